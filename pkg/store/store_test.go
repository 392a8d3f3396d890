// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/wapilink/pkg/wapi"
)

var _ wapi.DataProvider = (*File)(nil)
var _ wapi.DataProvider = (*Memory)(nil)

func nullLog() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return logrus.NewEntry(logger), hook
}

func TestMemory_Defaults(t *testing.T) {
	m := NewMemory()
	info, err := m.WAPIInfo()
	require.NoError(t, err)
	assert.True(t, info.Valid())
	assert.Equal(t, wapi.DefaultInfo(), info)

	info.SSID = "changed"
	again, _ := m.WAPIInfo()
	assert.Equal(t, "WAPI-24G-8825", again.SSID, "callers get a copy")
}

func TestMemory_ImportCert(t *testing.T) {
	m := NewMemory()
	require.ErrorIs(t, m.ImportCert(CertAS, nil), ErrEmptyCert)
	require.ErrorIs(t, m.ImportCert(CertKind(7), []byte("x")), ErrUnknownCert)

	require.NoError(t, m.ImportCert(CertASUE, []byte("-----BEGIN")))
	certs, _ := m.CertFiles()
	assert.True(t, certs.ASUE.Valid())
	assert.False(t, certs.AS.Valid())

	info, _ := m.WAPIInfo()
	assert.True(t, info.HasCert)
	assert.True(t, info.Valid())
}

func TestOpen_CreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "wapi.cbor")
	log, _ := nullLog()

	f, err := Open(path, log)
	require.NoError(t, err)
	assert.FileExists(t, path)

	info, _ := f.WAPIInfo()
	info.ServerPort = 9000
	info.SSID = "LAB"
	require.NoError(t, f.SetInfo(*info))
	require.NoError(t, f.ImportCert(CertAS, []byte("as-cert")))

	g, err := Open(path, log)
	require.NoError(t, err)
	loaded, _ := g.WAPIInfo()
	assert.Equal(t, uint16(9000), loaded.ServerPort)
	assert.Equal(t, "LAB", loaded.SSID)
	assert.True(t, loaded.HasCert)
	assert.True(t, loaded.Valid())

	certs, _ := g.CertFiles()
	assert.Equal(t, []byte("as-cert"), certs.AS.Payload)
	assert.True(t, certs.AS.Valid())
}

func TestOpen_RestoresInvalidRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wapi.cbor")
	rec, err := wapi.DefaultInfo().MarshalBinary()
	require.NoError(t, err)
	rec[30] ^= 0x01

	data, err := cbor.Marshal(document{Version: documentVersion, Info: rec})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	log, hook := nullLog()
	f, err := Open(path, log)
	require.NoError(t, err)

	info, _ := f.WAPIInfo()
	assert.Equal(t, wapi.DefaultInfo(), info)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.AllEntries()[0].Message, "Stored record invalid")

	var saved document
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, cbor.Unmarshal(raw, &saved))
	assert.True(t, wapi.ValidRecord(saved.Info))
}

func TestOpen_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wapi.cbor")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0x00}, 0o600))
	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestParseCertKind(t *testing.T) {
	k, err := ParseCertKind("asue")
	require.NoError(t, err)
	assert.Equal(t, CertASUE, k)
	assert.Equal(t, "AS", CertAS.String())
	_, err = ParseCertKind("ca")
	assert.ErrorIs(t, err, ErrUnknownCert)
}
