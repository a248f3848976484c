/*
Copyright 2024 Fleetforge Authors.

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

package sshconn

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH server that understands
// "exec" requests only, enough to exercise Session.Execute /
// ExecuteBatch without a real sshd. Commands of the form
// "sleep <ms> && echo <text>" are special-cased so tests can control
// completion order.
type testSSHServer struct {
	listener net.Listener
	signer   ssh.Signer
	user     string
	password string

	mu   sync.Mutex
	done bool
}

func newTestSSHServer(t *testing.T, user, password string) *testSSHServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("wrapping host key: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	srv := &testSSHServer{listener: ln, signer: signer, user: user, password: password}
	go srv.serve(t)
	return srv
}

func (s *testSSHServer) addr() string { return s.listener.Addr().String() }

func (s *testSSHServer) close() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.listener.Close()
}

func (s *testSSHServer) serve(t *testing.T) {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == s.user && string(pass) == s.password {
				return nil, nil
			}
			return nil, ssh.ErrNoAuth
		},
	}
	cfg.AddHostKey(s.signer)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			done := s.done
			s.mu.Unlock()
			if done {
				return
			}
			continue
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *testSSHServer) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testSSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		cmd := string(req.Payload[4:])
		if req.WantReply {
			req.Reply(true, nil)
		}

		rc := runFakeCommand(ch, cmd)
		sendExitStatus(ch, rc)
		return
	}
}

// runFakeCommand supports three forms used by tests:
//
//	"echo <text>"            -> writes text+"\n" to stdout, rc 0
//	"sleep <ms> && echo <t>"  -> sleeps then writes text, rc 0
//	"fail"                    -> writes to stderr, rc 1
func runFakeCommand(ch ssh.Channel, cmd string) int {
	cmd = strings.TrimSpace(cmd)
	if cmd == "fail" {
		io.WriteString(ch.Stderr(), "boom\n")
		return 1
	}
	if strings.HasPrefix(cmd, "sleep ") {
		rest := strings.TrimPrefix(cmd, "sleep ")
		fields := strings.SplitN(rest, "&&", 2)
		if ms, err := strconv.Atoi(strings.TrimSpace(fields[0])); err == nil {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
		if len(fields) == 2 {
			echo := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(fields[1]), "echo "))
			io.WriteString(ch, echo+"\n")
		}
		return 0
	}
	if strings.HasPrefix(cmd, "echo ") {
		io.WriteString(ch, strings.TrimPrefix(cmd, "echo ")+"\n")
		return 0
	}
	return 0
}

func sendExitStatus(ch ssh.Channel, rc int) {
	payload := ssh.Marshal(struct{ Status uint32 }{uint32(rc)})
	ch.SendRequest("exit-status", false, payload)
}
