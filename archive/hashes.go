// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package archive

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
)

// HashInfo contains the hashes of an archived sample.
type HashInfo struct {
	Md5      string
	Sha1     string
	Sha256   string
	Sha512   string
	Sha3_512 string
}

// CalculateBasicHashes computes all hashes in a single pass over rd.
func CalculateBasicHashes(rd io.Reader) (HashInfo, error) {
	var info HashInfo

	md5Hash := md5.New()
	sha1Hash := sha1.New()
	sha256Hash := sha256.New()
	sha512Hash := sha512.New()
	sha3_512Hash := sha3.New512()

	reader := bufio.NewReaderSize(rd, os.Getpagesize())
	multiWriter := io.MultiWriter(md5Hash, sha1Hash, sha256Hash, sha512Hash, sha3_512Hash)
	if _, err := io.Copy(multiWriter, reader); err != nil {
		return info, err
	}

	info.Md5 = hex.EncodeToString(md5Hash.Sum(nil))
	info.Sha1 = hex.EncodeToString(sha1Hash.Sum(nil))
	info.Sha256 = hex.EncodeToString(sha256Hash.Sum(nil))
	info.Sha512 = hex.EncodeToString(sha512Hash.Sum(nil))
	info.Sha3_512 = hex.EncodeToString(sha3_512Hash.Sum(nil))

	return info, nil
}

// HashFile hashes the file at path.
func HashFile(path string) (HashInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return HashInfo{}, err
	}
	defer f.Close()
	return CalculateBasicHashes(f)
}
