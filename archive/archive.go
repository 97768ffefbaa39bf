// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package archive keeps copies of submitted samples and their reports in an
// S3 bucket.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/DCSO/scanwatch/history"
	"github.com/minio/minio-go"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const reportSuffix = ".report.json"

var reportFileReg = regexp.MustCompile(`^[0-9a-f]{64}\.report\.json$`)

// S3Credentials represents a set of data required to access an S3 resource.
type S3Credentials struct {
	Endpoint        string
	AccessKey       string
	SecretAccessKey string
	BucketName      string
	Region          string
}

// Record is the metadata stored next to an archived sample.
type Record struct {
	Hashes         HashInfo
	Filename       string
	Size           int64
	ArchivedAt     time.Time
	Entry          history.Entry
	Uploaded       bool
	UploadLocation string `json:"UploadLocation,omitempty"`
}

// UploadJob locates a queued sample and its record in the scratch directory.
type UploadJob struct {
	record          Record
	localFilePath   string
	localRecordPath string
}

// Publisher receives records after a successful upload.
type Publisher interface {
	Publish(jsonData []byte) error
}

// Archiver queues samples in a scratch directory and uploads them to an S3
// endpoint in the background.
type Archiver struct {
	// Creds contains the required credentials for the S3 connection.
	Creds S3Credentials
	// UseSSL is true if SSL should be used for upload.
	UseSSL bool
	// ScratchDir holds files waiting for upload.
	ScratchDir string
	// InChan is the channel to enqueue files for upload.
	InChan chan UploadJob
	// ClosedChan is closed when the upload loop has stopped.
	ClosedChan chan bool
	// Client is a Minio client connecting to the given endpoint.
	Client *minio.Client
	// Publisher, if set, is sent the record of each uploaded sample.
	Publisher Publisher
}

// Enqueue copies the sample at localpath into the scratch directory along
// with a record containing entry, and queues both for upload.
func (u *Archiver) Enqueue(entry history.Entry, localpath string) error {
	hashes, err := HashFile(localpath)
	if err != nil {
		return pkgerrors.Wrap(err, "hashing sample")
	}
	srcFile, err := os.Open(localpath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destPath := path.Join(u.ScratchDir, hashes.Sha256)
	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	size, err := io.Copy(destFile, srcFile)
	if err == nil {
		err = destFile.Sync()
	}
	if cerr := destFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		return pkgerrors.Wrap(err, "copying sample to scratch directory")
	}

	record := Record{
		Hashes:     hashes,
		Filename:   filepath.Base(localpath),
		Size:       size,
		ArchivedAt: time.Now().UTC(),
		Entry:      entry,
	}
	recordPath := path.Join(u.ScratchDir, hashes.Sha256+reportSuffix)
	outJSON, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err = os.WriteFile(recordPath, outJSON, 0644); err != nil {
		return err
	}

	u.InChan <- UploadJob{
		record:          record,
		localFilePath:   destPath,
		localRecordPath: recordPath,
	}
	return nil
}

func (u *Archiver) processUpload() {
	for file := range u.InChan {
		sampleFileName := file.record.Hashes.Sha256
		recordFileName := sampleFileName + reportSuffix

		log.Debugf("bucket %s object '%s' localpath %s", u.Creds.BucketName, sampleFileName,
			file.localFilePath)
		size, err := u.Client.FPutObject(u.Creds.BucketName, sampleFileName,
			file.localFilePath, minio.PutObjectOptions{
				ContentType: "application/octet-stream",
			})
		if err != nil {
			log.Errorf("upload of %s failed: %s ", sampleFileName, err)
			continue
		}
		log.Infof("successfully uploaded %s (size %d)", sampleFileName, size)

		size, err = u.Client.FPutObject(u.Creds.BucketName, recordFileName,
			file.localRecordPath, minio.PutObjectOptions{
				ContentType: "application/json",
			})
		if err != nil {
			log.Errorf("upload of %s failed: %s ", recordFileName, err)
			continue
		}
		log.Infof("successfully uploaded %s (size %d)", recordFileName, size)
		for _, p := range []string{file.localFilePath, file.localRecordPath} {
			if err = os.Remove(p); err != nil {
				log.Errorf("could not remove uploaded file %s: %s", p, err)
			}
		}

		file.record.Uploaded = true
		file.record.UploadLocation = fmt.Sprintf("%s/%s/%s", u.Creds.Endpoint, u.Creds.BucketName, sampleFileName)
		if u.Publisher != nil {
			out, err := json.Marshal(file.record)
			if err != nil {
				log.Error(err)
				continue
			}
			if err = u.Publisher.Publish(out); err != nil {
				log.Warnf("could not publish archive record: %s", err)
			}
		}
	}
	close(u.ClosedChan)
}

func (u *Archiver) enqueueBacklog() error {
	files, err := os.ReadDir(u.ScratchDir)
	if err != nil {
		return err
	}

	for _, f := range files {
		if !reportFileReg.MatchString(f.Name()) {
			continue
		}
		var record Record
		data, err := os.ReadFile(path.Join(u.ScratchDir, f.Name()))
		if err != nil {
			return err
		}
		if err = json.Unmarshal(data, &record); err != nil {
			log.Warnf("skipping unreadable scratch record %s: %s", f.Name(), err)
			continue
		}
		samplePath := path.Join(u.ScratchDir, record.Hashes.Sha256)
		if _, err = os.Stat(samplePath); err != nil {
			log.Warnf("scratch record %s has no sample, skipping", f.Name())
			continue
		}
		log.Debugf("enqueuing scratch file %s, %d bytes", record.Hashes.Sha256, record.Size)
		u.InChan <- UploadJob{
			record:          record,
			localFilePath:   samplePath,
			localRecordPath: path.Join(u.ScratchDir, f.Name()),
		}
	}

	return nil
}

// MakeS3Archiver returns a new Archiver for the given credentials. Files left
// in scratchdir by a previous run are queued again.
func MakeS3Archiver(creds S3Credentials, ssl bool, scratchdir string, pub Publisher) (*Archiver, error) {
	if err := os.MkdirAll(scratchdir, os.ModePerm); err != nil {
		return nil, err
	}
	archiver := &Archiver{
		Creds:      creds,
		UseSSL:     ssl,
		ScratchDir: scratchdir,
		ClosedChan: make(chan bool),
		InChan:     make(chan UploadJob, 10000),
		Publisher:  pub,
	}

	client, err := minio.NewWithRegion(creds.Endpoint, creds.AccessKey, creds.SecretAccessKey, ssl, creds.Region)
	if err != nil {
		return nil, err
	}
	archiver.Client = client

	if err = archiver.enqueueBacklog(); err != nil {
		return nil, err
	}

	go archiver.processUpload()

	return archiver, nil
}

// Stop waits for queued uploads and stops the archiver.
func (u *Archiver) Stop() {
	close(u.InChan)
	<-u.ClosedChan
}
