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

// Package unixctl serves the operator control socket: a line-oriented
// protocol where each request is a command with space-separated arguments
// and the reply is terminated by an empty line.
package unixctl

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	log "github.com/Sirupsen/logrus"
)

// Handler serves one command; the returned string is sent verbatim.
type Handler func(args []string) (string, error)

// Server is the control socket server.
type Server struct {
	path     string
	listener net.Listener

	mu       sync.Mutex
	handlers map[string]Handler
}

func NewServer(path string) *Server {
	return &Server{path: path, handlers: make(map[string]Handler)}
}

// Register installs a command handler.
func (s *Server) Register(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Start binds the socket and serves until stopChan closes.
func (s *Server) Start(stopChan <-chan struct{}) error {
	_ = os.Remove(s.path)
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to bind control socket %s: %v", s.path, err)
	}
	s.listener = listener
	log.Infof("Control socket listening on %s", s.path)

	go func() {
		<-stopChan
		listener.Close()
		os.Remove(s.path)
	}()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return nil
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		s.mu.Lock()
		h, ok := s.handlers[fields[0]]
		s.mu.Unlock()
		if !ok {
			fmt.Fprintf(conn, "unknown command %q\n\n", fields[0])
			continue
		}
		reply, err := h(fields[1:])
		if err != nil {
			fmt.Fprintf(conn, "error: %v\n\n", err)
			continue
		}
		if reply != "" && !strings.HasSuffix(reply, "\n") {
			reply += "\n"
		}
		fmt.Fprintf(conn, "%s\n", reply)
	}
}
