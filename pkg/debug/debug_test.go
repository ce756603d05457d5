// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package debug

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadyEndpoint(t *testing.T) {
	mux := GetMux()

	get := func(path string) int {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	SetNotReady()
	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))

	SetReady()
	assert.Equal(t, http.StatusOK, get("/ready"))

	SetReadyCheck(func() bool { return false })
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	SetReadyCheck(nil)

	assert.Equal(t, http.StatusOK, get("/metrics"))
}
