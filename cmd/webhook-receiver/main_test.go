package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sujitdhar014/image-processing-backend/internal/logging"
)

func TestReceiveHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhook", receiveHandler(logging.Discard()))

	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"status":"completed","job_id":"j1","result_artifact_ref":"results/j1.csv"}`)
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", body))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"message":"received"}` {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status for invalid body = %d", rec.Code)
	}
}
