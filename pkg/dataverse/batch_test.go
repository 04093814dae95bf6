package dataverse

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func batchResponse(inner string) string {
	return "--batchresponse_1\r\n" +
		"Content-Type: multipart/mixed; boundary=changesetresponse_1\r\n\r\n" +
		"--changesetresponse_1\r\n" +
		"Content-Type: application/http\r\n" +
		"Content-Transfer-Encoding: binary\r\n" +
		"Content-ID: 1\r\n\r\n" +
		inner + "\r\n" +
		"--changesetresponse_1--\r\n" +
		"--batchresponse_1--\r\n"
}

func TestCreateAttributesBatch(t *testing.T) {
	var gotBody string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/v9.2/$batch", r.URL.Path)
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		assert.NoError(t, err)
		assert.Equal(t, "multipart/mixed", mediaType)
		assert.True(t, strings.HasPrefix(params["boundary"], "batch_"))

		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		w.Header().Set("Content-Type", "multipart/mixed; boundary=batchresponse_1")
		_, _ = w.Write([]byte(batchResponse("HTTP/1.1 204 No Content\r\nOData-Version: 4.0\r\n\r\n")))
	})

	err := client.CreateAttributesBatch(context.Background(), "cr_customer", []map[string]any{
		{"SchemaName": "cr_email"},
		{"SchemaName": "cr_phone"},
	}, "cr_store")
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(gotBody, "POST "))
	assert.Contains(t, gotBody, "/EntityDefinitions(LogicalName='cr_customer')/Attributes HTTP/1.1")
	assert.Contains(t, gotBody, "MSCRM.SolutionUniqueName: cr_store")
	assert.Contains(t, gotBody, `{"SchemaName":"cr_phone"}`)
	assert.Contains(t, gotBody, "boundary=changeset_")
}

func TestCreateAttributesBatch_InnerFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv := newBatchServer(t, batchResponse(
		"HTTP/1.1 400 Bad Request\r\nContent-Type: application/json\r\n\r\n"+
			`{"error":{"code":"0x80044363","message":"A column with this name already exists"}}`))
	client := NewWithHTTPClient(Config{ServerURL: srv}, http.DefaultClient, zap.New(core))

	err := client.CreateAttributesBatch(context.Background(), "cr_customer", []map[string]any{{"SchemaName": "cr_email"}}, "")
	require.Error(t, err)
	assert.True(t, IsClass(err, ClassFatal))
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, 1, logs.FilterMessage("Dataverse request completed").Len())
}

func TestCreateAttributesBatch_Empty(t *testing.T) {
	client := NewWithHTTPClient(Config{ServerURL: "http://unused.invalid"}, http.DefaultClient, zap.NewNop())
	assert.NoError(t, client.CreateAttributesBatch(context.Background(), "cr_customer", nil, ""))
}

func newBatchServer(t *testing.T, response string) string {
	t.Helper()
	_, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/mixed; boundary=batchresponse_1")
		_, _ = w.Write([]byte(response))
	})
	return srv.URL
}
