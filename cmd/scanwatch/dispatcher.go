// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/investigation"

	log "github.com/sirupsen/logrus"
)

// Dispatcher feeds queued requests to the investigation controller one at a
// time, so that each request runs to completion instead of cancelling the
// previous one.
type Dispatcher struct {
	StartStopLock    sync.Mutex
	FinishNotifyChan chan bool
	RequestChan      chan indicator.Query
	IsRunning        bool
	WaitGroup        sync.WaitGroup
	SocketInput      *SocketInput
	Controller       *investigation.Controller
	// OnResult, if set, is called with the final state of every request.
	OnResult func(investigation.State)

	ctx    context.Context
	cancel context.CancelFunc
	worker chan bool
}

// MakeDispatcher returns a new, stopped Dispatcher. Will emit a value on
// finishNotify channel when the socket input has stopped.
func MakeDispatcher(finishNotify chan bool, ctrl *investigation.Controller) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		FinishNotifyChan: finishNotify,
		RequestChan:      make(chan indicator.Query, 10000),
		Controller:       ctrl,
		ctx:              ctx,
		cancel:           cancel,
		worker:           make(chan bool),
	}
	go d.requestWorker()
	return d
}

// requestWorker runs queued requests through the controller.
func (d *Dispatcher) requestWorker() {
	for q := range d.RequestChan {
		if d.ctx.Err() != nil {
			d.WaitGroup.Done()
			continue
		}
		log.Debugf("worker grabbed %s request %q", q.Kind, q.DisplayLabel)
		s, err := d.Controller.Run(d.ctx, q)
		switch {
		case d.ctx.Err() != nil:
			log.Infof("%s: cancelled", q.DisplayLabel)
		case err != nil:
			log.Errorf("%s: %s", q.DisplayLabel, err)
		default:
			log.Infof("%s: %s", s.Query.DisplayLabel, stateSummary(s))
		}
		if d.OnResult != nil && d.ctx.Err() == nil {
			d.OnResult(s)
		}
		d.WaitGroup.Done()
	}
	log.Info("worker terminated")
	close(d.worker)
}

// Enqueue queues q for investigation.
func (d *Dispatcher) Enqueue(q indicator.Query) {
	d.WaitGroup.Add(1)
	d.RequestChan <- q
}

// Drain blocks until all queued requests are processed.
func (d *Dispatcher) Drain() {
	d.WaitGroup.Wait()
}

// Run starts accepting requests on the given socket.
func (d *Dispatcher) Run(socketPath string) error {
	d.StartStopLock.Lock()
	defer d.StartStopLock.Unlock()

	if d.IsRunning {
		return fmt.Errorf("dispatcher already running")
	}
	var err error
	d.SocketInput, err = MakeSocketInput(socketPath, d.RequestChan, &d.WaitGroup)
	if err != nil {
		return err
	}
	d.IsRunning = true
	log.Infof("Dispatcher accepting requests on socket %s", socketPath)
	d.SocketInput.Run()

	return nil
}

// Stop stops accepting requests and cancels the active investigation.
func (d *Dispatcher) Stop() {
	d.StartStopLock.Lock()
	defer d.StartStopLock.Unlock()
	d.cancel()
	if d.SocketInput != nil {
		d.SocketInput.Stop(d.FinishNotifyChan)
	} else {
		close(d.FinishNotifyChan)
	}
	d.IsRunning = false
}

// Finish closes the request queue and waits for the worker to exit.
func (d *Dispatcher) Finish() {
	close(d.RequestChan)
	<-d.worker
}

func stateSummary(s investigation.State) string {
	if s.Err != nil {
		var prefix string
		if errors.Is(s.Err, context.Canceled) {
			prefix = "cancelled: "
		}
		return prefix + s.Err.Error()
	}
	if s.Query.Summary != "" {
		return s.Query.Summary
	}
	return string(s.Status)
}
