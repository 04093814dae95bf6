// Package dataverse provides a client for the Dataverse Web API metadata
// endpoints used to provision publishers, solutions, tables, columns,
// relationships and global choices.
package dataverse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ekaya-inc/erd2dataverse/pkg/logging"
)

const (
	// DefaultTimeout bounds a single Web API call. Metadata creation can take
	// well over a minute on busy environments.
	DefaultTimeout = 120 * time.Second
	// DefaultAPIVersion is the Web API version used when none is configured.
	DefaultAPIVersion = "v9.2"
)

// Solution component types accepted by AddSolutionComponent.
const (
	ComponentTypeEntity       = 1
	ComponentTypeOptionSet    = 9
	ComponentTypeRelationship = 10
)

// Config identifies one Dataverse environment and its app registration.
type Config struct {
	ServerURL    string
	TenantID     string
	ClientID     string
	ClientSecret string
	APIVersion   string
	Timeout      time.Duration
	// TokenURL overrides the Entra ID token endpoint derived from TenantID.
	TokenURL string
}

func (c Config) withDefaults() Config {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TokenURL == "" && c.TenantID != "" {
		c.TokenURL = "https://login.microsoftonline.com/" + url.PathEscape(c.TenantID) + "/oauth2/v2.0/token"
	}
	return c
}

// Validate checks that the configuration can authenticate.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("dataverse server URL is required")
	}
	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		return fmt.Errorf("invalid dataverse server URL: %w", err)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("dataverse client id and secret are required")
	}
	if c.TenantID == "" && c.TokenURL == "" {
		return errors.New("dataverse tenant id is required")
	}
	return nil
}

// API is the subset of the Web API the deployment and rollback engines use.
type API interface {
	WhoAmI(ctx context.Context) (*WhoAmIResponse, error)

	FindPublisher(ctx context.Context, uniqueName string) (*Publisher, error)
	CreatePublisher(ctx context.Context, p Publisher) (string, error)
	DeletePublisher(ctx context.Context, id string) error

	FindSolution(ctx context.Context, uniqueName string) (*Solution, error)
	CreateSolution(ctx context.Context, s Solution) (string, error)
	DeleteSolution(ctx context.Context, id string) error
	AddSolutionComponent(ctx context.Context, solutionUniqueName, componentID string, componentType int) error

	EntityExists(ctx context.Context, logicalName string) (bool, error)
	GetEntityMetadataID(ctx context.Context, logicalName string) (string, error)
	CreateEntity(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error)
	DeleteEntity(ctx context.Context, logicalName string) error
	PublishEntities(ctx context.Context, logicalNames []string) error

	CreateAttribute(ctx context.Context, entityLogicalName string, payload map[string]any, solutionUniqueName string) error
	CreateAttributesBatch(ctx context.Context, entityLogicalName string, payloads []map[string]any, solutionUniqueName string) error

	CreateRelationship(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error)
	DeleteRelationship(ctx context.Context, schemaName string) error

	CreateGlobalChoice(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error)
	GetGlobalChoiceID(ctx context.Context, name string) (string, error)
	DeleteGlobalChoice(ctx context.Context, name string) error
}

// Client talks to one Dataverse environment.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	breaker    *Breaker
	logger     *zap.Logger
}

var _ API = (*Client)(nil)

// New creates a client that authenticates with the OAuth2 client
// credentials flow. Tokens are cached and refreshed by the token source.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{cfg.ServerURL + "/.default"},
	}
	base := &http.Client{Timeout: cfg.Timeout}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(tokenCtx, cc.TokenSource(tokenCtx))
	httpClient.Timeout = cfg.Timeout

	return NewWithHTTPClient(cfg, httpClient, logger), nil
}

// NewWithHTTPClient creates a client over an already authenticated
// http.Client.
func NewWithHTTPClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		config:     cfg,
		baseURL:    cfg.ServerURL + "/api/data/" + cfg.APIVersion,
		httpClient: httpClient,
		breaker:    NewBreaker(DefaultBreakerConfig()),
		logger:     logger.Named("dataverse").With(zap.String("server", cfg.ServerURL)),
	}
}

// ServerURL returns the environment URL.
func (c *Client) ServerURL() string {
	return c.config.ServerURL
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// ============================================================================
// Types
// ============================================================================

// WhoAmIResponse identifies the authenticated application user.
type WhoAmIResponse struct {
	UserID         string `json:"UserId"`
	BusinessUnitID string `json:"BusinessUnitId"`
	OrganizationID string `json:"OrganizationId"`
}

// Publisher is a Dataverse publisher record.
type Publisher struct {
	ID                       string `json:"publisherid,omitempty"`
	UniqueName               string `json:"uniquename"`
	FriendlyName             string `json:"friendlyname"`
	CustomizationPrefix      string `json:"customizationprefix"`
	CustomizationOptionValue int    `json:"customizationoptionvalueprefix,omitempty"`
	Description              string `json:"description,omitempty"`
}

// Solution is a Dataverse solution record.
type Solution struct {
	ID           string `json:"solutionid,omitempty"`
	UniqueName   string `json:"uniquename"`
	FriendlyName string `json:"friendlyname"`
	Version      string `json:"version"`
	PublisherID  string `json:"-"`
	Description  string `json:"description,omitempty"`
}

// ============================================================================
// Identity
// ============================================================================

// WhoAmI verifies connectivity and credentials.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	var out WhoAmIResponse
	if err := c.getJSON(ctx, "who am i", "WhoAmI", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Publishers and solutions
// ============================================================================

// FindPublisher returns the publisher with the given unique name, or nil.
func (c *Client) FindPublisher(ctx context.Context, uniqueName string) (*Publisher, error) {
	q := url.Values{}
	q.Set("$select", "publisherid,uniquename,friendlyname,customizationprefix,customizationoptionvalueprefix")
	q.Set("$filter", "uniquename eq "+odataString(uniqueName))

	var out struct {
		Value []Publisher `json:"value"`
	}
	if err := c.getJSON(ctx, "find publisher", "publishers?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if len(out.Value) == 0 {
		return nil, nil
	}
	return &out.Value[0], nil
}

// CreatePublisher creates a publisher and returns its id.
func (c *Client) CreatePublisher(ctx context.Context, p Publisher) (string, error) {
	p.ID = ""
	return c.create(ctx, "create publisher", "publishers", p, "")
}

// DeletePublisher deletes a publisher by id.
func (c *Client) DeletePublisher(ctx context.Context, id string) error {
	return c.delete(ctx, "delete publisher", "publishers("+id+")")
}

// FindSolution returns the solution with the given unique name, or nil.
func (c *Client) FindSolution(ctx context.Context, uniqueName string) (*Solution, error) {
	q := url.Values{}
	q.Set("$select", "solutionid,uniquename,friendlyname,version")
	q.Set("$filter", "uniquename eq "+odataString(uniqueName))

	var out struct {
		Value []Solution `json:"value"`
	}
	if err := c.getJSON(ctx, "find solution", "solutions?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if len(out.Value) == 0 {
		return nil, nil
	}
	return &out.Value[0], nil
}

// CreateSolution creates an unmanaged solution owned by s.PublisherID.
func (c *Client) CreateSolution(ctx context.Context, s Solution) (string, error) {
	if s.Version == "" {
		s.Version = "1.0.0.0"
	}
	body := map[string]any{
		"uniquename":             s.UniqueName,
		"friendlyname":           s.FriendlyName,
		"version":                s.Version,
		"publisherid@odata.bind": "/publishers(" + s.PublisherID + ")",
	}
	if s.Description != "" {
		body["description"] = s.Description
	}
	return c.create(ctx, "create solution", "solutions", body, "")
}

// DeleteSolution deletes a solution by id. Components are not deleted.
func (c *Client) DeleteSolution(ctx context.Context, id string) error {
	return c.delete(ctx, "delete solution", "solutions("+id+")")
}

// AddSolutionComponent adds an existing component to a solution.
func (c *Client) AddSolutionComponent(ctx context.Context, solutionUniqueName, componentID string, componentType int) error {
	body := map[string]any{
		"ComponentId":               componentID,
		"ComponentType":             componentType,
		"SolutionUniqueName":        solutionUniqueName,
		"AddRequiredComponents":     false,
		"DoNotIncludeSubcomponents": true,
	}
	_, _, err := c.do(ctx, "add solution component", http.MethodPost, "AddSolutionComponent", body, nil)
	return err
}

// ============================================================================
// Tables
// ============================================================================

// EntityExists reports whether a table's metadata is readable. Used for
// readiness polling after creation.
func (c *Client) EntityExists(ctx context.Context, logicalName string) (bool, error) {
	_, err := c.GetEntityMetadataID(ctx, logicalName)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// GetEntityMetadataID returns the MetadataId of a table.
func (c *Client) GetEntityMetadataID(ctx context.Context, logicalName string) (string, error) {
	var out struct {
		MetadataID string `json:"MetadataId"`
	}
	path := "EntityDefinitions(LogicalName=" + odataString(logicalName) + ")?$select=MetadataId,LogicalName"
	if err := c.getJSON(ctx, "get entity", path, &out); err != nil {
		return "", err
	}
	return out.MetadataID, nil
}

// CreateEntity creates a table inside the given solution and returns its
// MetadataId.
func (c *Client) CreateEntity(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error) {
	return c.create(ctx, "create entity", "EntityDefinitions", payload, solutionUniqueName)
}

// DeleteEntity deletes a table and its data.
func (c *Client) DeleteEntity(ctx context.Context, logicalName string) error {
	return c.delete(ctx, "delete entity", "EntityDefinitions(LogicalName="+odataString(logicalName)+")")
}

// PublishEntities publishes customizations for the given tables.
func (c *Client) PublishEntities(ctx context.Context, logicalNames []string) error {
	if len(logicalNames) == 0 {
		return nil
	}
	var xml strings.Builder
	xml.WriteString("<importexportxml><entities>")
	for _, name := range logicalNames {
		xml.WriteString("<entity>" + name + "</entity>")
	}
	xml.WriteString("</entities></importexportxml>")

	_, _, err := c.do(ctx, "publish entities", http.MethodPost, "PublishXml",
		map[string]any{"ParameterXml": xml.String()}, nil)
	return err
}

// ============================================================================
// Columns
// ============================================================================

// CreateAttribute creates one column on a table.
func (c *Client) CreateAttribute(ctx context.Context, entityLogicalName string, payload map[string]any, solutionUniqueName string) error {
	_, err := c.create(ctx, "create attribute", attributesPath(entityLogicalName), payload, solutionUniqueName)
	return err
}

func attributesPath(entityLogicalName string) string {
	return "EntityDefinitions(LogicalName=" + odataString(entityLogicalName) + ")/Attributes"
}

// ============================================================================
// Relationships
// ============================================================================

// CreateRelationship creates a one-to-many relationship and its lookup.
func (c *Client) CreateRelationship(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error) {
	return c.create(ctx, "create relationship", "RelationshipDefinitions", payload, solutionUniqueName)
}

// DeleteRelationship deletes a relationship and its lookup column.
func (c *Client) DeleteRelationship(ctx context.Context, schemaName string) error {
	return c.delete(ctx, "delete relationship", "RelationshipDefinitions(SchemaName="+odataString(schemaName)+")")
}

// ============================================================================
// Global choices
// ============================================================================

// CreateGlobalChoice creates a global option set and returns its MetadataId.
func (c *Client) CreateGlobalChoice(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error) {
	return c.create(ctx, "create global choice", "GlobalOptionSetDefinitions", payload, solutionUniqueName)
}

// GetGlobalChoiceID returns the MetadataId of a global option set.
func (c *Client) GetGlobalChoiceID(ctx context.Context, name string) (string, error) {
	var out struct {
		MetadataID string `json:"MetadataId"`
	}
	path := "GlobalOptionSetDefinitions(Name=" + odataString(name) + ")?$select=MetadataId"
	if err := c.getJSON(ctx, "get global choice", path, &out); err != nil {
		return "", err
	}
	return out.MetadataID, nil
}

// DeleteGlobalChoice deletes a global option set by name.
func (c *Client) DeleteGlobalChoice(ctx context.Context, name string) error {
	return c.delete(ctx, "delete global choice", "GlobalOptionSetDefinitions(Name="+odataString(name)+")")
}

// ============================================================================
// Transport
// ============================================================================

var entityIDPattern = regexp.MustCompile(`\(([0-9a-fA-F-]{36})\)$`)

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	body, _, err := c.do(ctx, op, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	return nil
}

// create POSTs a record or metadata definition and returns the id from the
// OData-EntityId header.
func (c *Client) create(ctx context.Context, op, path string, body any, solutionUniqueName string) (string, error) {
	var headers map[string]string
	if solutionUniqueName != "" {
		headers = map[string]string{"MSCRM.SolutionUniqueName": solutionUniqueName}
	}
	_, respHeader, err := c.do(ctx, op, http.MethodPost, path, body, headers)
	if err != nil {
		return "", err
	}
	if m := entityIDPattern.FindStringSubmatch(respHeader.Get("OData-EntityId")); m != nil {
		return m[1], nil
	}
	return "", nil
}

func (c *Client) delete(ctx context.Context, op, path string) error {
	_, _, err := c.do(ctx, op, http.MethodDelete, path, nil, nil)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	return req, nil
}

// do executes one Web API call through the circuit breaker. Failures come
// back as *Error.
func (c *Client) do(ctx context.Context, op, method, path string, body any, headers map[string]string) ([]byte, http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, err := marshalBody(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.send(ctx, op, req)
}

func (c *Client) send(ctx context.Context, op string, req *http.Request) ([]byte, http.Header, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		c.breaker.RecordFailure()
		c.logger.Warn("Dataverse request failed",
			zap.String("operation", op),
			zap.String("error", logging.SanitizeError(err)))
		return nil, nil, &Error{
			Class:     ClassTransient,
			Message:   logging.SanitizeError(err),
			Operation: op,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, nil, &Error{Class: ClassTransient, Message: "failed to read response", Operation: op, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := newResponseError(op, resp, respBody)
		if apiErr.IsRetryable() {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		c.logger.Warn("Dataverse returned error",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.String("class", string(apiErr.Class)),
			zap.String("code", apiErr.Code),
			zap.String("body", logging.SanitizeBody(respBody)))
		return nil, nil, apiErr
	}

	c.breaker.RecordSuccess()
	c.logger.Debug("Dataverse request completed",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return respBody, resp.Header, nil
}

// marshalBody encodes a request body without HTML escaping, so XML
// parameters such as PublishXml's ParameterXml go out as written.
func marshalBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// odataString quotes a string literal for OData URLs.
func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
