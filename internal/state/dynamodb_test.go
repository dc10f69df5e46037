package state

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// newFakeDynamoStore points a store at an httptest server that plays
// back one canned DynamoDB response per request.
func newFakeDynamoStore(t *testing.T, status int, body string) *DynamoDBStore {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-amz-json-1.0")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client := dynamodb.NewFromConfig(aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("test", "test", ""),
	}, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(srv.URL)
		o.RetryMaxAttempts = 1
	})

	return NewDynamoDBStore(client, "taskrelay-test")
}

func TestDynamoDBStore_FinishBatch(t *testing.T) {
	conditionFailed := `{"__type":"com.amazonaws.dynamodb.v20120810#ConditionalCheckFailedException","message":"The conditional request failed"`

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{
			name:   "processing batch finishes",
			status: http.StatusOK,
			body:   `{}`,
		},
		{
			// The condition fails with no old item: the batch never
			// existed, which must surface as not_found like the memory
			// store reports it.
			name:    "missing batch",
			status:  http.StatusBadRequest,
			body:    conditionFailed + `}`,
			wantErr: ErrNotFound,
		},
		{
			name:    "already finished batch",
			status:  http.StatusBadRequest,
			body:    conditionFailed + `,"Item":{"PK":{"S":"batch-1"},"SK":{"S":"BATCH"},"status":{"S":"completed"}}}`,
			wantErr: ErrConditionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeDynamoStore(t, tt.status, tt.body)

			err := store.FinishBatch(context.Background(), "batch-1", "cancelled", "2026-01-01T00:00:00Z")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("finish batch: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}
