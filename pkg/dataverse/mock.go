package dataverse

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockAPI is an in-memory Dataverse environment for tests. It is safe for
// concurrent use. Set FailFunc to inject failures per operation and target.
type MockAPI struct {
	// FailFunc is consulted before every call; a non-nil error is returned
	// instead of performing the call. op is the method name, target the
	// unique name, logical name or schema name involved.
	FailFunc func(op, target string) error

	// ExistsFunc overrides EntityExists when set.
	ExistsFunc func(logicalName string) (bool, error)

	mu            sync.Mutex
	publishers    map[string]Publisher
	solutions     map[string]Solution
	entities      map[string]string   // logical name -> metadata id
	attributes    map[string][]string // entity logical name -> column schema names
	relationships map[string]string   // schema name -> metadata id
	choices       map[string]string   // name -> metadata id
	components    map[string][]string // solution -> component ids
	published     []string
	calls         map[string]int
	inFlight      map[string]int
	maxInFlight   map[string]int
}

var _ API = (*MockAPI)(nil)

// NewMockAPI creates an empty environment.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		publishers:    make(map[string]Publisher),
		solutions:     make(map[string]Solution),
		entities:      make(map[string]string),
		attributes:    make(map[string][]string),
		relationships: make(map[string]string),
		choices:       make(map[string]string),
		components:    make(map[string][]string),
		calls:         make(map[string]int),
		inFlight:      make(map[string]int),
		maxInFlight:   make(map[string]int),
	}
}

// NotFound builds the error Dataverse returns for a missing object.
func NotFound(op, target string) error {
	return &Error{Class: ClassNotFound, StatusCode: http.StatusNotFound, Code: "0x80040217", Message: target + " does not exist", Operation: op}
}

// Conflict builds the error Dataverse returns for a duplicate.
func Conflict(op, target string) error {
	return &Error{Class: ClassConflict, StatusCode: http.StatusConflict, Code: "0x80040237", Message: target + " already exists", Operation: op}
}

// begin counts the call and consults FailFunc. The returned func must be
// called when the call finishes.
func (m *MockAPI) begin(op, target string) (func(), error) {
	m.mu.Lock()
	m.calls[op]++
	m.inFlight[op]++
	if m.inFlight[op] > m.maxInFlight[op] {
		m.maxInFlight[op] = m.inFlight[op]
	}
	fail := m.FailFunc
	m.mu.Unlock()

	done := func() {
		m.mu.Lock()
		m.inFlight[op]--
		m.mu.Unlock()
	}
	if fail != nil {
		if err := fail(op, target); err != nil {
			done()
			return nil, err
		}
	}
	return done, nil
}

// ============================================================================
// Inspection
// ============================================================================

// Calls returns how often op was invoked.
func (m *MockAPI) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// MaxInFlight returns the highest observed concurrency for op.
func (m *MockAPI) MaxInFlight(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight[op]
}

// HasEntity reports whether a table exists.
func (m *MockAPI) HasEntity(logicalName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entities[logicalName]
	return ok
}

// HasRelationship reports whether a relationship exists.
func (m *MockAPI) HasRelationship(schemaName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.relationships[schemaName]
	return ok
}

// HasGlobalChoice reports whether a global choice exists.
func (m *MockAPI) HasGlobalChoice(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.choices[name]
	return ok
}

// HasPublisher reports whether a publisher exists.
func (m *MockAPI) HasPublisher(uniqueName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.publishers[uniqueName]
	return ok
}

// HasSolution reports whether a solution exists.
func (m *MockAPI) HasSolution(uniqueName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.solutions[uniqueName]
	return ok
}

// Attributes returns the columns created on a table.
func (m *MockAPI) Attributes(logicalName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.attributes[logicalName]...)
}

// Components returns the component ids added to a solution.
func (m *MockAPI) Components(solution string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.components[solution]...)
}

// Published returns the tables passed to PublishEntities.
func (m *MockAPI) Published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.published...)
}

// SeedPublisher adds an existing publisher.
func (m *MockAPI) SeedPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.publishers[p.UniqueName] = p
}

// SeedEntity adds an existing table, such as a standard CDM table.
func (m *MockAPI) SeedEntity(logicalName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.entities[logicalName] = id
	return id
}

// SeedGlobalChoice adds an existing global choice.
func (m *MockAPI) SeedGlobalChoice(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.choices[name] = id
	return id
}

// ============================================================================
// API
// ============================================================================

// WhoAmI implements API.
func (m *MockAPI) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	done, err := m.begin("WhoAmI", "")
	if err != nil {
		return nil, err
	}
	defer done()
	return &WhoAmIResponse{UserID: "mock-user"}, nil
}

// FindPublisher implements API.
func (m *MockAPI) FindPublisher(ctx context.Context, uniqueName string) (*Publisher, error) {
	done, err := m.begin("FindPublisher", uniqueName)
	if err != nil {
		return nil, err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.publishers[uniqueName]; ok {
		return &p, nil
	}
	return nil, nil
}

// CreatePublisher implements API.
func (m *MockAPI) CreatePublisher(ctx context.Context, p Publisher) (string, error) {
	done, err := m.begin("CreatePublisher", p.UniqueName)
	if err != nil {
		return "", err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.publishers[p.UniqueName]; ok {
		return "", Conflict("create publisher", p.UniqueName)
	}
	p.ID = uuid.NewString()
	m.publishers[p.UniqueName] = p
	return p.ID, nil
}

// DeletePublisher implements API.
func (m *MockAPI) DeletePublisher(ctx context.Context, id string) error {
	done, err := m.begin("DeletePublisher", id)
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, p := range m.publishers {
		if p.ID == id {
			delete(m.publishers, name)
			return nil
		}
	}
	return NotFound("delete publisher", id)
}

// FindSolution implements API.
func (m *MockAPI) FindSolution(ctx context.Context, uniqueName string) (*Solution, error) {
	done, err := m.begin("FindSolution", uniqueName)
	if err != nil {
		return nil, err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.solutions[uniqueName]; ok {
		return &s, nil
	}
	return nil, nil
}

// CreateSolution implements API.
func (m *MockAPI) CreateSolution(ctx context.Context, s Solution) (string, error) {
	done, err := m.begin("CreateSolution", s.UniqueName)
	if err != nil {
		return "", err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.solutions[s.UniqueName]; ok {
		return "", Conflict("create solution", s.UniqueName)
	}
	s.ID = uuid.NewString()
	m.solutions[s.UniqueName] = s
	return s.ID, nil
}

// DeleteSolution implements API.
func (m *MockAPI) DeleteSolution(ctx context.Context, id string) error {
	done, err := m.begin("DeleteSolution", id)
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.solutions {
		if s.ID == id {
			delete(m.solutions, name)
			delete(m.components, name)
			return nil
		}
	}
	return NotFound("delete solution", id)
}

// AddSolutionComponent implements API.
func (m *MockAPI) AddSolutionComponent(ctx context.Context, solutionUniqueName, componentID string, componentType int) error {
	done, err := m.begin("AddSolutionComponent", componentID)
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.solutions[solutionUniqueName]; !ok {
		return NotFound("add solution component", solutionUniqueName)
	}
	m.components[solutionUniqueName] = append(m.components[solutionUniqueName], fmt.Sprintf("%d:%s", componentType, componentID))
	return nil
}

// EntityExists implements API.
func (m *MockAPI) EntityExists(ctx context.Context, logicalName string) (bool, error) {
	done, err := m.begin("EntityExists", logicalName)
	if err != nil {
		return false, err
	}
	defer done()

	if m.ExistsFunc != nil {
		return m.ExistsFunc(logicalName)
	}
	return m.HasEntity(logicalName), nil
}

// GetEntityMetadataID implements API.
func (m *MockAPI) GetEntityMetadataID(ctx context.Context, logicalName string) (string, error) {
	done, err := m.begin("GetEntityMetadataID", logicalName)
	if err != nil {
		return "", err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.entities[logicalName]; ok {
		return id, nil
	}
	return "", NotFound("get entity", logicalName)
}

// CreateEntity implements API.
func (m *MockAPI) CreateEntity(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error) {
	logical := strings.ToLower(fmt.Sprint(payload["SchemaName"]))
	done, err := m.begin("CreateEntity", logical)
	if err != nil {
		return "", err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[logical]; ok {
		return "", Conflict("create entity", logical)
	}
	id := uuid.NewString()
	m.entities[logical] = id
	return id, nil
}

// DeleteEntity implements API.
func (m *MockAPI) DeleteEntity(ctx context.Context, logicalName string) error {
	done, err := m.begin("DeleteEntity", logicalName)
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[logicalName]; !ok {
		return NotFound("delete entity", logicalName)
	}
	delete(m.entities, logicalName)
	delete(m.attributes, logicalName)
	return nil
}

// PublishEntities implements API.
func (m *MockAPI) PublishEntities(ctx context.Context, logicalNames []string) error {
	done, err := m.begin("PublishEntities", strings.Join(logicalNames, ","))
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, logicalNames...)
	return nil
}

// CreateAttribute implements API.
func (m *MockAPI) CreateAttribute(ctx context.Context, entityLogicalName string, payload map[string]any, solutionUniqueName string) error {
	name := fmt.Sprint(payload["SchemaName"])
	done, err := m.begin("CreateAttribute", entityLogicalName+"."+strings.ToLower(name))
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[entityLogicalName]; !ok {
		return NotFound("create attribute", entityLogicalName)
	}
	m.attributes[entityLogicalName] = append(m.attributes[entityLogicalName], name)
	return nil
}

// CreateAttributesBatch implements API.
func (m *MockAPI) CreateAttributesBatch(ctx context.Context, entityLogicalName string, payloads []map[string]any, solutionUniqueName string) error {
	done, err := m.begin("CreateAttributesBatch", entityLogicalName)
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[entityLogicalName]; !ok {
		return NotFound("create attributes batch", entityLogicalName)
	}
	for _, p := range payloads {
		m.attributes[entityLogicalName] = append(m.attributes[entityLogicalName], fmt.Sprint(p["SchemaName"]))
	}
	return nil
}

// CreateRelationship implements API.
func (m *MockAPI) CreateRelationship(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error) {
	name := fmt.Sprint(payload["SchemaName"])
	done, err := m.begin("CreateRelationship", name)
	if err != nil {
		return "", err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range []string{"ReferencedEntity", "ReferencingEntity"} {
		entity := fmt.Sprint(payload[key])
		if _, ok := m.entities[entity]; !ok {
			return "", NotFound("create relationship", entity)
		}
	}
	if _, ok := m.relationships[name]; ok {
		return "", Conflict("create relationship", name)
	}
	id := uuid.NewString()
	m.relationships[name] = id
	return id, nil
}

// DeleteRelationship implements API.
func (m *MockAPI) DeleteRelationship(ctx context.Context, schemaName string) error {
	done, err := m.begin("DeleteRelationship", schemaName)
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relationships[schemaName]; !ok {
		return NotFound("delete relationship", schemaName)
	}
	delete(m.relationships, schemaName)
	return nil
}

// CreateGlobalChoice implements API.
func (m *MockAPI) CreateGlobalChoice(ctx context.Context, payload map[string]any, solutionUniqueName string) (string, error) {
	name := fmt.Sprint(payload["Name"])
	done, err := m.begin("CreateGlobalChoice", name)
	if err != nil {
		return "", err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.choices[name]; ok {
		return "", Conflict("create global choice", name)
	}
	id := uuid.NewString()
	m.choices[name] = id
	return id, nil
}

// GetGlobalChoiceID implements API.
func (m *MockAPI) GetGlobalChoiceID(ctx context.Context, name string) (string, error) {
	done, err := m.begin("GetGlobalChoiceID", name)
	if err != nil {
		return "", err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.choices[name]; ok {
		return id, nil
	}
	return "", NotFound("get global choice", name)
}

// DeleteGlobalChoice implements API.
func (m *MockAPI) DeleteGlobalChoice(ctx context.Context, name string) error {
	done, err := m.begin("DeleteGlobalChoice", name)
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.choices[name]; !ok {
		return NotFound("delete global choice", name)
	}
	delete(m.choices, name)
	return nil
}
