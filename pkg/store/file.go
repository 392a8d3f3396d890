// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/wapilink/pkg/wapi"
)

const documentVersion = 1

type certEntry struct {
	Payload []byte `cbor:"0,keyasint"`
	Digest  uint16 `cbor:"1,keyasint"`
}

// document is the on-disk form: integer keys, the raw 72-byte record and
// both certificate blobs.
type document struct {
	Version uint8     `cbor:"0,keyasint"`
	Info    []byte    `cbor:"1,keyasint"`
	AS      certEntry `cbor:"2,keyasint"`
	ASUE    certEntry `cbor:"3,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// File is a data provider persisted to a CBOR file.
type File struct {
	*Memory
	path string
	log  *logrus.Entry
}

// Open loads path, creating it with the default record when missing. A
// record with a bad digest is replaced by the default record and saved.
func Open(path string, log *logrus.Entry) (*File, error) {
	if log == nil {
		log = logrus.WithField("component", "store")
	}
	f := &File{Memory: NewMemory(), path: path, log: log.WithField("path", path)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		f.log.Info("Creating data file with default record")
		return f, f.save()
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc document
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	f.certs = wapi.CertFiles{
		AS:   wapi.CertFile{Payload: doc.AS.Payload, Digest: doc.AS.Digest},
		ASUE: wapi.CertFile{Payload: doc.ASUE.Payload, Digest: doc.ASUE.Digest},
	}

	if !wapi.ValidRecord(doc.Info) {
		f.log.Warn("Stored record invalid, restoring defaults")
		return f, f.save()
	}
	if err := f.info.UnmarshalBinary(doc.Info); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

// SetInfo finalizes, stores and saves info.
func (f *File) SetInfo(info wapi.Info) error {
	if err := f.Memory.SetInfo(info); err != nil {
		return err
	}
	return f.save()
}

// ImportCert stores a certificate and saves the file.
func (f *File) ImportCert(kind CertKind, data []byte) error {
	if err := f.Memory.ImportCert(kind, data); err != nil {
		return err
	}
	return f.save()
}

// save writes the document through a temporary file and a rename.
func (f *File) save() error {
	f.mu.RLock()
	rec, err := f.info.MarshalBinary()
	doc := document{
		Version: documentVersion,
		Info:    rec,
		AS:      certEntry{Payload: f.certs.AS.Payload, Digest: f.certs.AS.Digest},
		ASUE:    certEntry{Payload: f.certs.ASUE.Payload, Digest: f.certs.ASUE.Digest},
	}
	f.mu.RUnlock()
	if err != nil {
		return err
	}

	data, err := encMode.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	f.log.Debug("Data file saved")
	return nil
}
