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

package unixctl

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/onsi/gomega"
)

func dialAndSend(t *testing.T, path, line string) string {
	conn, err := net.Dial("unix", path)
	ExpectWithOffset(1, err).ShouldNot(HaveOccurred())
	defer conn.Close()

	fmt.Fprintf(conn, "%s\n", line)
	reader := bufio.NewReader(conn)
	var out []string
	for {
		reply, err := reader.ReadString('\n')
		ExpectWithOffset(1, err).ShouldNot(HaveOccurred())
		reply = strings.TrimRight(reply, "\n")
		if reply == "" {
			break
		}
		out = append(out, reply)
	}
	return strings.Join(out, "\n")
}

func TestServerDispatch(t *testing.T) {
	RegisterTestingT(t)

	path := filepath.Join(t.TempDir(), "test.ctl")
	server := NewServer(path)
	server.Register("ping", func(args []string) (string, error) {
		return "pong " + strings.Join(args, ","), nil
	})
	server.Register("fail", func(args []string) (string, error) {
		return "", fmt.Errorf("nope")
	})

	stopChan := make(chan struct{})
	defer close(stopChan)
	Expect(server.Start(stopChan)).Should(Succeed())

	Expect(dialAndSend(t, path, "ping a b")).Should(Equal("pong a,b"))
	Expect(dialAndSend(t, path, "fail")).Should(ContainSubstring("error: nope"))
	Expect(dialAndSend(t, path, "bogus")).Should(ContainSubstring("unknown command"))
}
