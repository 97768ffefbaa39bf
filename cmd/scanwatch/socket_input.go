// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/DCSO/scanwatch/indicator"

	log "github.com/sirupsen/logrus"
)

// SocketInput reads newline separated JSON investigation requests from a
// Unix socket and hands valid ones to a Dispatcher.
type SocketInput struct {
	RequestChan   chan indicator.Query
	Running       bool
	InputListener net.Listener
	StopChan      chan bool
	StoppedChan   chan bool
	WaitGroup     *sync.WaitGroup
	InputSocket   string
	ConnLock      sync.Mutex
	Conn          net.Conn
}

func (si *SocketInput) setConn(c net.Conn) {
	si.ConnLock.Lock()
	si.Conn = c
	si.ConnLock.Unlock()
}

func (si *SocketInput) handleConnection(c net.Conn) {
	defer c.Close()
	reader := bufio.NewReader(c)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			si.handleLine(line)
		}
		if err != nil {
			if err != io.EOF {
				log.Debug(err)
			}
			return
		}
	}
}

func (si *SocketInput) handleLine(line []byte) {
	q, err := ParseRequest(line)
	if err != nil {
		if errors.Is(err, indicator.ErrEmptyIndicator) {
			log.Debugf("ignoring empty request")
			return
		}
		log.Errorf("rejecting request: %s", err)
		return
	}
	log.Debugf("received request: %s %q", q.Kind, q.DisplayLabel)
	si.WaitGroup.Add(1)
	si.RequestChan <- q
}

func (si *SocketInput) handleServerConnection() {
	for {
		select {
		case <-si.StopChan:
			close(si.StoppedChan)
			return
		default:
			si.InputListener.(*net.UnixListener).SetDeadline(time.Now().Add(1e9))
			c, err := si.InputListener.Accept()
			if err != nil {
				if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
					continue
				}
				log.Info(err)
				continue
			}
			si.setConn(c)
			si.handleConnection(c)
			si.setConn(nil)
		}
	}
}

// MakeSocketInput returns a new SocketInput reading from the Unix socket
// inputSocket and writing parsed requests to outChan. If no such socket
// could be created for listening, the error returned is set accordingly.
func MakeSocketInput(inputSocket string, outChan chan indicator.Query, wg *sync.WaitGroup) (*SocketInput, error) {
	var err error

	si := &SocketInput{
		RequestChan: outChan,
		StopChan:    make(chan bool),
		WaitGroup:   wg,
		InputSocket: inputSocket,
	}
	_, err = os.Stat(inputSocket)
	if err == nil {
		os.Remove(inputSocket)
	}
	si.InputListener, err = net.Listen("unix", inputSocket)
	if err != nil {
		return nil, err
	}
	return si, err
}

// Run starts the SocketInput
func (si *SocketInput) Run() {
	if !si.Running {
		si.Running = true
		si.StopChan = make(chan bool)
		go si.handleServerConnection()
	}
}

// Stop causes the SocketInput to stop reading from the socket and close all
// associated channels, including the passed notification channel.
func (si *SocketInput) Stop(stoppedChan chan bool) {
	if si != nil && si.Running {
		si.StoppedChan = stoppedChan
		si.ConnLock.Lock()
		if si.Conn != nil {
			si.Conn.Close()
		}
		si.ConnLock.Unlock()
		close(si.StopChan)
		si.Running = false
		_, err := os.Stat(si.InputSocket)
		if err == nil {
			os.Remove(si.InputSocket)
		}
	} else {
		close(stoppedChan)
	}
}
