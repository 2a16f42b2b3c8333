package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/instrument_interface/interlock/modbushttp"
	"github.com/w1xm/instrument_interface/internal/log"
)

type echoSender struct {
	got []byte
	err error
}

func (e *echoSender) Send(adu []byte) ([]byte, error) {
	e.got = adu
	if e.err != nil {
		return nil, e.err
	}
	return append([]byte{0xff}, adu...), nil
}

func post(t *testing.T, h http.Handler, password string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader(body))
	if password != "" {
		req.SetBasicAuth("agent", password)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSendHandler(t *testing.T) {
	sender := &echoSender{}
	h := NewServer(sender, "hunter2", log.NewNopLogger()).Router()

	rec := post(t, h, "hunter2", []byte{1, 2, 3})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp modbushttp.SendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []byte{0xff, 1, 2, 3}, resp.ADUResponse)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []byte{1, 2, 3}, sender.got)

	sender.err = errors.New("serial: timeout")
	rec = post(t, h, "hunter2", []byte{1})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "serial: timeout", resp.Error)
}

func TestSendHandlerAuth(t *testing.T) {
	h := NewServer(&echoSender{}, "hunter2", log.NewNopLogger()).Router()
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "", []byte{1}).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "wrong", []byte{1}).Code)

	open := NewServer(&echoSender{}, "", log.NewNopLogger()).Router()
	assert.Equal(t, http.StatusOK, post(t, open, "", []byte{1}).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/send", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
