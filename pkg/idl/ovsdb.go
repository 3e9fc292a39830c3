/*
Copyright 2022 The Everflow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package idl

import (
	"fmt"
	"os"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/cenkalti/backoff"
	ovsdb "github.com/contiv/libovsdb"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// RowCodec translates between a schema row and the raw ovsdb column map.
// Each database (sbdb, vswitchd) registers one codec per table.
type RowCodec interface {
	Decode(uuid string, columns map[string]interface{}) (Row, error)
	Encode(Row) map[string]interface{}
}

// Transport binds a DB cache to a live ovsdb connection: monitor updates
// stream into the table caches, Txns become ovsdb transact operations.
type Transport struct {
	db      *DB
	target  string
	codecs  map[string]RowCodec
	client  *ovsdb.OvsdbClient
	updates chan ovsdb.TableUpdates
	signal  chan struct{}
}

func NewTransport(db *DB, target string) *Transport {
	tr := &Transport{
		db:      db,
		target:  target,
		codecs:  make(map[string]RowCodec),
		updates: make(chan ovsdb.TableUpdates, 16),
		signal:  make(chan struct{}, 1),
	}
	db.SetCommitFunc(tr.commit)
	return tr
}

func (tr *Transport) RegisterCodec(table string, codec RowCodec) {
	tr.codecs[table] = codec
}

// Changed returns a channel that receives a token whenever new updates were
// applied to the cache; the main loop uses it as a poll wakeup.
func (tr *Transport) Changed() <-chan struct{} { return tr.signal }

// Connect dials the database and starts the monitor. Retries with
// exponential backoff, at most 10 times; stopChan is not consulted while
// retrying and only stops the goroutines started after a successful connect.
func (tr *Transport) Connect(stopChan <-chan struct{}) error {
	op := func() error {
		client, err := ovsdb.ConnectUnix(tr.target)
		if err != nil {
			log.Errorf("Failed to connect ovsdb %s: %v", tr.target, err)
			return err
		}
		tr.client = client
		client.Register(notifier{tr})
		initial, err := client.MonitorAll(tr.db.Name(), "")
		if err != nil {
			client.Disconnect()
			return errors.Wrapf(err, "failed to monitor %s", tr.db.Name())
		}
		if initial != nil {
			tr.apply(*initial)
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10)
	if err := backoff.Retry(op, policy); err != nil {
		return err
	}
	go tr.applyLoop(stopChan)
	go tr.watchSock(stopChan)
	return nil
}

func (tr *Transport) applyLoop(stopChan <-chan struct{}) {
	for {
		select {
		case <-stopChan:
			return
		case tus := <-tr.updates:
			tr.apply(tus)
			select {
			case tr.signal <- struct{}{}:
			default:
			}
		}
	}
}

func (tr *Transport) apply(tus ovsdb.TableUpdates) {
	for table, tu := range tus.Updates {
		codec, ok := tr.codecs[table]
		if !ok {
			continue
		}
		cache := tr.db.Table(table)
		for uuid, rowUpdate := range tu.Rows {
			if len(rowUpdate.New.Fields) == 0 {
				cache.Delete(uuid)
				continue
			}
			row, err := codec.Decode(uuid, rowUpdate.New.Fields)
			if err != nil {
				log.Errorf("Failed to decode %s row %s: %v", table, uuid, err)
				continue
			}
			cache.Update(row)
		}
	}
}

// commit translates a Txn into ovsdb operations and waits for the reply.
func (tr *Transport) commit(x *Txn) error {
	if tr.client == nil {
		return ErrTryAgain
	}
	ops := make([]ovsdb.Operation, 0, len(x.Ops()))
	for _, op := range x.Ops() {
		codec, ok := tr.codecs[op.Table]
		if !ok {
			return fmt.Errorf("no codec for table %s", op.Table)
		}
		switch op.Change {
		case RowNew:
			ops = append(ops, ovsdb.Operation{
				Op:    "insert",
				Table: op.Table,
				Row:   codec.Encode(op.Row),
			})
		case RowUpdated:
			ops = append(ops, ovsdb.Operation{
				Op:    "update",
				Table: op.Table,
				Row:   codec.Encode(op.Row),
				Where: []interface{}{ovsdb.NewCondition("_uuid", "==", ovsdb.UUID{GoUuid: op.Row.UUID()})},
			})
		case RowDeleted:
			ops = append(ops, ovsdb.Operation{
				Op:    "delete",
				Table: op.Table,
				Where: []interface{}{ovsdb.NewCondition("_uuid", "==", ovsdb.UUID{GoUuid: op.UUID})},
			})
		}
	}
	results, err := tr.client.Transact(tr.db.Name(), ops...)
	if err != nil {
		return errors.Wrap(err, "transact failed")
	}
	for _, res := range results {
		if res.Error == "timed out" || res.Error == "try again" {
			return ErrTryAgain
		}
		if res.Error != "" {
			return fmt.Errorf("transaction error: %s: %s", res.Error, res.Details)
		}
	}
	return nil
}

// watchSock watches the database unix socket and resets the connection when
// the server side goes away (vswitchd or the SB relay restarting).
func (tr *Transport) watchSock(stopChan <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Errorf("Failed to create sock watcher for %s: %v", tr.target, err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(tr.target); err != nil {
		log.Errorf("Failed to watch %s: %v", tr.target, err)
		return
	}
	for {
		select {
		case <-stopChan:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Remove != fsnotify.Remove {
				continue
			}
			log.Infof("Database sock %s removed, waiting for recovery", tr.target)
			if err := waitForSock(tr.target, 10*time.Second); err != nil {
				log.Errorf("Timed out waiting for %s to come back", tr.target)
				continue
			}
			if err := watcher.Add(tr.target); err != nil {
				log.Errorf("Failed to rewatch %s: %v", tr.target, err)
				return
			}
			tr.db.BumpConnSeqno()
			if err := tr.Connect(stopChan); err != nil {
				log.Errorf("Failed to reconnect %s: %v", tr.target, err)
			}
		case err := <-watcher.Errors:
			log.Errorf("Sock watcher error on %s: %v", tr.target, err)
		}
	}
}

func waitForSock(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("%s did not reappear within %s", path, timeout)
}

// notifier adapts the libovsdb callback interface onto the update channel.
type notifier struct {
	tr *Transport
}

func (n notifier) Update(context interface{}, tableUpdates ovsdb.TableUpdates) {
	n.tr.updates <- tableUpdates
}

func (n notifier) Locked([]interface{})      {}
func (n notifier) Stolen([]interface{})      {}
func (n notifier) Echo([]interface{})        {}
func (n notifier) Disconnected(client *ovsdb.OvsdbClient) {
	n.tr.db.BumpConnSeqno()
}
