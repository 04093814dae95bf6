package dataverse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithHTTPClient(Config{ServerURL: srv.URL}, srv.Client(), zap.NewNop()), srv
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   Class
	}{
		{http.StatusTooManyRequests, "", ClassThrottled},
		{http.StatusServiceUnavailable, "", ClassTransient},
		{http.StatusBadGateway, "", ClassTransient},
		{http.StatusConflict, "", ClassConflict},
		{http.StatusNotFound, "", ClassNotFound},
		{http.StatusBadRequest, "", ClassFatal},
		{http.StatusForbidden, "", ClassFatal},
		{http.StatusBadRequest, "0x80072322", ClassThrottled},
		{http.StatusBadRequest, "0x80040237", ClassConflict},
		{http.StatusInternalServerError, "0x80040217", ClassNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.status, tt.code), "status=%d code=%s", tt.status, tt.code)
	}
}

func TestError_ImplementsRetryInterfaces(t *testing.T) {
	throttled := &Error{Class: ClassThrottled, StatusCode: 429, Message: "slow down", retryAfter: 7 * time.Second}
	wrapped := errors.Join(errors.New("create entity"), throttled)

	assert.True(t, retry.IsRetryable(wrapped))
	var ra retry.RetryAfterError
	require.True(t, errors.As(wrapped, &ra))
	assert.Equal(t, 7*time.Second, ra.RetryAfter())

	assert.False(t, retry.IsRetryable(&Error{Class: ClassFatal, Message: "bad payload"}))
	assert.False(t, retry.IsRetryable(&Error{Class: ClassConflict, Message: "exists"}))
	assert.Contains(t, throttled.Error(), "HTTP 429")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Greater(t, parseRetryAfter(time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)), 30*time.Second)
}

func TestClient_ErrorResponseIsClassified(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"0x80072322","message":"Number of requests exceeded the limit"}}`))
	})

	_, err := client.WhoAmI(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, ClassThrottled, apiErr.Class)
	assert.Equal(t, "0x80072322", apiErr.Code)
	assert.Equal(t, "Number of requests exceeded the limit", apiErr.Message)
	assert.Equal(t, 5*time.Second, apiErr.RetryAfter())
}

func TestClient_CreateEntitySendsSolutionHeader(t *testing.T) {
	const id = "0a1b2c3d-0000-1111-2222-333344445555"
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/data/v9.2/EntityDefinitions", r.URL.Path)
		assert.Equal(t, "cr_store", r.Header.Get("MSCRM.SolutionUniqueName"))
		assert.Equal(t, "4.0", r.Header.Get("OData-Version"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cr_Customer", body["SchemaName"])

		w.Header().Set("OData-EntityId", "http://"+r.Host+"/api/data/v9.2/EntityDefinitions("+id+")")
		w.WriteHeader(http.StatusNoContent)
	})

	got, err := client.CreateEntity(context.Background(), map[string]any{"SchemaName": "cr_Customer"}, "cr_store")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestClient_FindPublisher(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/v9.2/publishers", r.URL.Path)
		filter := r.URL.Query().Get("$filter")
		if filter == "uniquename eq 'contoso'" {
			_, _ = w.Write([]byte(`{"value":[{"publisherid":"p-1","uniquename":"contoso","customizationprefix":"cr"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"value":[]}`))
	})

	p, err := client.FindPublisher(context.Background(), "contoso")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, "cr", p.CustomizationPrefix)

	p, err = client.FindPublisher(context.Background(), "o'brien")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestClient_EntityExists(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "cr_customer") {
			_, _ = w.Write([]byte(`{"MetadataId":"m-1","LogicalName":"cr_customer"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"0x80040217","message":"Could not find entity"}}`))
	})

	ok, err := client.EntityExists(context.Background(), "cr_customer")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.EntityExists(context.Background(), "cr_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_PublishEntities(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/v9.2/PublishXml", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<entity>cr_customer</entity><entity>cr_invoice</entity>")
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.PublishEntities(context.Background(), []string{"cr_customer", "cr_invoice"}))
	require.NoError(t, client.PublishEntities(context.Background(), nil))
}

func TestMarshalBody_KeepsMarkupReadable(t *testing.T) {
	data, err := marshalBody(map[string]any{"ParameterXml": "<importexportxml><entities><entity>a&b</entity></entities></importexportxml>"})
	require.NoError(t, err)

	assert.Equal(t, `{"ParameterXml":"<importexportxml><entities><entity>a&b</entity></entities></importexportxml>"}`, string(data))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "<importexportxml><entities><entity>a&b</entity></entities></importexportxml>", decoded["ParameterXml"])
}

func TestClient_BreakerOpensOnRepeatedTransientFailures(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < DefaultBreakerConfig().Threshold; i++ {
		_, err := client.WhoAmI(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, client.Breaker().State())

	_, err := client.WhoAmI(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(DefaultBreakerConfig().Threshold), atomic.LoadInt32(&calls))
}

func TestClient_FatalErrorsDoNotTripBreaker(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	for i := 0; i < DefaultBreakerConfig().Threshold+2; i++ {
		_, err := client.WhoAmI(context.Background())
		assert.True(t, IsClass(err, ClassFatal))
	}
	assert.Equal(t, CircuitClosed, client.Breaker().State())
}

func TestNew_UsesClientCredentials(t *testing.T) {
	var tokenRequests int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			atomic.AddInt32(&tokenRequests, 1)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
			assert.Equal(t, srv.URL+"/.default", r.Form.Get("scope"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
		case "/api/data/v9.2/WhoAmI":
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"UserId":"u-1","BusinessUnitId":"b-1","OrganizationId":"o-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := New(Config{
		ServerURL:    srv.URL,
		ClientID:     "app",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/token",
	}, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		who, err := client.WhoAmI(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "u-1", who.UserID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenRequests))
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{ServerURL: "https://org.crm.dynamics.com"}.Validate())
	assert.Error(t, Config{ServerURL: "https://org.crm.dynamics.com", ClientID: "a", ClientSecret: "b"}.Validate())
	assert.NoError(t, Config{ServerURL: "https://org.crm.dynamics.com", ClientID: "a", ClientSecret: "b", TenantID: "t"}.Validate())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{Threshold: 2, ResetAfter: time.Minute})
	b.now = func() time.Time { return now }

	b.RecordFailure()
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, CircuitHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.RecordSuccess()
	assert.Equal(t, CircuitClosed, b.State())
	assert.Equal(t, "closed", b.State().String())
}
