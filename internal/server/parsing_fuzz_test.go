package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func FuzzDecodeJSONBody(f *testing.F) {
	f.Add([]byte(`{"user_id":"u1","flag_key":"new_checkout"}`))
	f.Add([]byte(`{"requests":[{"user_id":"u1","flag_key":"a"}]}`))
	f.Add([]byte(`{"flag_key":"a"}{"flag_key":"b"}`))
	f.Add([]byte(`{"unknown":true}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, body []byte) {
		var dst evaluateJSONRequest
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(body))
		err := decodeJSONBody(httptest.NewRecorder(), req, defaultMaxJSONBodyBytes, &dst)
		if err != nil {
			return
		}

		dec := json.NewDecoder(bytes.NewReader(body))
		var first json.RawMessage
		if decErr := dec.Decode(&first); decErr != nil {
			t.Fatalf("decodeJSONBody(%q) accepted a body encoding/json rejects: %v", body, decErr)
		}
		if dec.More() {
			t.Fatalf("decodeJSONBody(%q) accepted trailing data", body)
		}
	})
}

func FuzzEvaluateHandler(f *testing.F) {
	f.Add(`{"user_id":"u1","flag_key":"new_checkout","default_value":false}`)
	f.Add(`{"requests":[{"user_id":"u1","flag_key":"new_checkout"},{"user_id":"u2","flag_key":""}]}`)
	f.Add(`{"user_id":"../etc","flag_key":"x"}`)
	f.Add(`not json`)

	handler := NewHTTPHandler(newFakeClient())
	f.Fuzz(func(t *testing.T, body string) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body)))

		switch rec.Code {
		case http.StatusOK, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		default:
			t.Fatalf("POST /v1/evaluate %q status = %d", body, rec.Code)
		}
		if !json.Valid(rec.Body.Bytes()) {
			t.Fatalf("POST /v1/evaluate %q returned invalid JSON: %q", body, rec.Body.String())
		}
	})
}
