// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// recordFileReg matches the report records the archiver keeps next to each
// queued sample. They are removed together with their sample.
var recordFileReg = regexp.MustCompile(`\.report\.json$`)

// Janitor periodically checks the archive scratch directory, deleting
// either samples older than a given age or the oldest samples such that the
// remaining ones do not exceed a given space limit.
type Janitor struct {
	StopperChan      chan bool
	IsRunning        bool
	FinishNotifyChan chan bool
	WatchDir         string
	StartStopLock    sync.Mutex
	CheckTick        time.Duration
	MaxAge           time.Duration
	// MaxSpace is in MB.
	MaxSpace uint
}

// MakeJanitor creates a new Janitor and emits a value on the given channel
// when it has been stopped.
func MakeJanitor(finishNotify chan bool, maxAge time.Duration, maxSpace uint) *Janitor {
	return &Janitor{
		IsRunning:        false,
		FinishNotifyChan: finishNotify,
		CheckTick:        60 * time.Second,
		MaxAge:           maxAge,
		MaxSpace:         maxSpace,
	}
}

type removableFile struct {
	Age  time.Duration
	Path string
	Size int64
}

type byAge []removableFile

func (a byAge) Len() int {
	return len(a)
}

func (a byAge) Swap(i, j int) {
	a[i], a[j] = a[j], a[i]
}

func (a byAge) Less(i, j int) bool {
	return a[i].Age < a[j].Age
}

func removeSample(path string) {
	if err := os.Remove(path); err != nil {
		log.Warn(err)
	}
	record := path + ".report.json"
	if err := os.Remove(record); err != nil {
		log.Debug(err)
	}
}

// sweep runs one cleanup pass over directory.
func (w *Janitor) sweep(directory string) {
	// expire old samples
	filepath.Walk(directory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warn(err)
			return nil
		}
		if info.IsDir() || recordFileReg.MatchString(path) {
			return nil
		}
		timeSince := time.Since(info.ModTime())
		if timeSince > w.MaxAge {
			removeSample(path)
			log.Infof("%s: older than threshold (%v), cleaned", info.Name(), timeSince)
		}
		return nil
	})
	// sort remaining samples by age and determine space break
	var files []removableFile
	filepath.Walk(directory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warn(err)
			return nil
		}
		if info.IsDir() || recordFileReg.MatchString(path) {
			return nil
		}
		files = append(files, removableFile{
			Age:  time.Since(info.ModTime()),
			Path: path,
			Size: info.Size(),
		})
		return nil
	})
	sort.Sort(byAge(files))
	// delete oldest samples exceeding space limit
	var sum uint64
	limit := uint64(w.MaxSpace) * 1024 * 1024
	for _, item := range files {
		sum += uint64(item.Size)
		if sum > limit {
			removeSample(item.Path)
			log.Infof("%s: cleaned to reclaim space (%d bytes)", item.Path, item.Size)
		}
	}
}

// Run starts a Janitor on the given directory.
func (w *Janitor) Run(directory string) error {
	w.StartStopLock.Lock()
	defer w.StartStopLock.Unlock()

	if w.IsRunning {
		return fmt.Errorf("janitor already running on directory %s", w.WatchDir)
	}
	w.StopperChan = make(chan bool)
	w.WatchDir = directory
	w.IsRunning = true

	go func() {
		for {
			select {
			case <-time.After(w.CheckTick):
				w.sweep(directory)
			case <-w.StopperChan:
				close(w.FinishNotifyChan)
				return
			}
		}
	}()

	return nil
}

// Stop causes the janitor to stop limiting the contents of the target
// directory.
func (w *Janitor) Stop() {
	w.StartStopLock.Lock()
	defer w.StartStopLock.Unlock()
	if !w.IsRunning {
		return
	}
	w.IsRunning = false
	w.WatchDir = "<none>"
	close(w.StopperChan)
}
