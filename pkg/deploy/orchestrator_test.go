package deploy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/dataverse"
	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/retry"
	"github.com/ekaya-inc/erd2dataverse/pkg/schema"
)

const storeERD = `erDiagram
    Customer {
        string id PK
        string full_name
        string email
        decimal price
        choice(Low,High) tier
    }
    Invoice {
        string id PK
        string customer_id FK
        lookup(Product) product_ref
    }
    Product {
        string id PK
        string title
    }
    Customer ||--o{ Invoice : "bills"`

type recorder struct {
	mu       sync.Mutex
	steps    []models.DeploymentStep
	messages []string
	sleeps   []time.Duration
}

func (r *recorder) progress(step models.DeploymentStep, message string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	r.messages = append(r.messages, message)
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

// distinctSteps returns the steps in first-seen order.
func (r *recorder) distinctSteps() []models.DeploymentStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[models.DeploymentStep]bool)
	var out []models.DeploymentStep
	for _, s := range r.steps {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func testConfig(rec *recorder) Config {
	return Config{
		Retry: &retry.Config{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
		SettleDelay:       2 * time.Second,
		ReadinessInterval: time.Second,
		ReadinessTimeout:  5 * time.Second,
		RelationshipWait:  15 * time.Second,
		Sleep:             rec.sleep,
	}
}

func buildSchema(t *testing.T, content string, opts schema.Options) *schema.Schema {
	t.Helper()
	opts.PublisherPrefix = "cr"
	g, err := schema.NewGenerator(opts)
	require.NoError(t, err)
	doc := erd.Parse(content)
	return g.Generate(doc.Entities, doc.Relationships)
}

func testPlan(s *schema.Schema) Plan {
	return Plan{
		DeploymentID: uuid.New(),
		Environment:  models.EnvironmentRef{Name: "dev", ServerURL: "https://dev.crm.dynamics.com"},
		Publisher:    PublisherSpec{UniqueName: "contoso", FriendlyName: "Contoso", Prefix: "cr", OptionValuePrefix: 10000},
		Solution:     SolutionSpec{UniqueName: "store", FriendlyName: "Store"},
		Schema:       s,
	}
}

func TestDeploy_Success(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	o := New(testConfig(rec), nil, zap.NewNop())

	record := o.Deploy(context.Background(), api, testPlan(buildSchema(t, storeERD, schema.Options{})), rec.progress)

	assert.Equal(t, models.DeploymentStatusSucceeded, record.Status)
	assert.Equal(t, models.StepCompleted, record.Step)
	assert.Empty(t, record.Summary.Errors)
	assert.Equal(t, 3, record.Summary.EntitiesCreated)
	assert.Equal(t, 3, record.Summary.AttributesCreated)
	assert.Equal(t, 2, record.Summary.RelationshipsCreated)
	assert.ElementsMatch(t, []string{"cr_customer", "cr_invoice", "cr_product"}, record.Entities)
	require.Len(t, record.Relationships, 2)
	assert.True(t, record.Rollbackable)
	require.NotNil(t, record.Publisher)
	assert.True(t, record.Publisher.Created)
	require.NotNil(t, record.Solution)
	assert.True(t, record.Solution.Created)
	require.NotNil(t, record.CompletedAt)

	assert.True(t, api.HasRelationship("cr_Customer_Invoice_bills"))
	assert.ElementsMatch(t, []string{"cr_email", "cr_price", "cr_tier"}, api.Attributes("cr_customer"))
	assert.ElementsMatch(t, record.Entities, api.Published())
	assert.False(t, o.Cancels().IsRunning(record.ID))

	assert.Equal(t, []models.DeploymentStep{
		models.StepPending,
		models.StepPublisherEnsured,
		models.StepSolutionEnsured,
		models.StepEntitiesCreating,
		models.StepAttributesCreating,
		models.StepSolutionLinking,
		models.StepRelationshipsCreating,
		models.StepCompleted,
	}, rec.distinctSteps())
	assert.Contains(t, rec.sleeps, 15*time.Second)
	assert.Contains(t, rec.sleeps, 2*time.Second)
}

func TestDeploy_PartialSuccess(t *testing.T) {
	content := `erDiagram
    Customer {
        string id PK
    }
    Order {
        string id PK
    }
    Product {
        string id PK
    }
    Supplier {
        string id PK
    }
    Warehouse {
        string id PK
    }
    Shipment {
        string id PK
    }
    Customer ||--o{ Order
    Supplier ||--o{ Product
    Warehouse ||--o{ Shipment`

	rec := &recorder{}
	api := dataverse.NewMockAPI()
	api.FailFunc = func(op, target string) error {
		if op == "CreateEntity" && target == "cr_shipment" {
			return &dataverse.Error{Class: dataverse.ClassFatal, StatusCode: http.StatusBadRequest, Message: "invalid metadata"}
		}
		return nil
	}

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(buildSchema(t, content, schema.Options{})), rec.progress)

	assert.Equal(t, models.DeploymentStatusPartial, record.Status)
	assert.True(t, record.Status.IsSuccess())
	assert.Equal(t, 5, record.Summary.EntitiesCreated)
	assert.Equal(t, 1, record.Summary.EntitiesFailed)
	assert.Equal(t, 2, record.Summary.RelationshipsCreated)
	assert.Equal(t, 1, record.Summary.RelationshipsFailed)
	require.Len(t, record.Summary.Errors, 2)
	assert.Contains(t, record.Summary.Errors[0], "cr_Shipment")
	assert.Contains(t, record.Summary.Errors[1], "cr_Warehouse_Shipment")
	// Fatal errors are not retried.
	assert.Equal(t, 6, api.Calls("CreateEntity"))
}

func TestDeploy_RetriesTransientFailures(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	var once sync.Once
	api.FailFunc = func(op, target string) error {
		var err error
		if op == "CreateEntity" && target == "cr_customer" {
			once.Do(func() {
				err = &dataverse.Error{Class: dataverse.ClassThrottled, StatusCode: http.StatusTooManyRequests, Message: "slow down"}
			})
		}
		return err
	}

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(buildSchema(t, storeERD, schema.Options{})), rec.progress)

	assert.Equal(t, models.DeploymentStatusSucceeded, record.Status)
	assert.Equal(t, 4, api.Calls("CreateEntity"))
	assert.True(t, api.HasEntity("cr_customer"))
}

func TestDeploy_AttributeBatchFallsBackToSingleCalls(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	api.FailFunc = func(op, target string) error {
		switch {
		case op == "CreateAttributesBatch":
			return &dataverse.Error{Class: dataverse.ClassFatal, StatusCode: http.StatusBadRequest, Message: "batch rejected"}
		case op == "CreateAttribute" && target == "cr_customer.cr_tier":
			return &dataverse.Error{Class: dataverse.ClassFatal, StatusCode: http.StatusBadRequest, Message: "bad option set"}
		}
		return nil
	}

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(buildSchema(t, storeERD, schema.Options{})), rec.progress)

	assert.Equal(t, 1, api.Calls("CreateAttributesBatch"))
	assert.Equal(t, 3, api.Calls("CreateAttribute"))
	assert.Equal(t, 2, record.Summary.AttributesCreated)
	assert.Equal(t, 1, record.Summary.AttributesFailed)
	assert.Equal(t, models.DeploymentStatusPartial, record.Status)
	assert.ElementsMatch(t, []string{"cr_email", "cr_price"}, api.Attributes("cr_customer"))
}

func TestDeploy_ReadinessTimeoutIsSoft(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	api.ExistsFunc = func(string) (bool, error) { return false, nil }

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(buildSchema(t, storeERD, schema.Options{})), rec.progress)

	assert.Equal(t, models.DeploymentStatusSucceeded, record.Status)
	assert.Equal(t, 2, record.Summary.RelationshipsCreated)
	// One initial check plus one per interval until the 5s timeout.
	assert.Equal(t, 3*6, api.Calls("EntityExists"))

	notReady := 0
	for _, w := range record.Summary.Warnings {
		if strings.Contains(w, "was not confirmed ready") {
			notReady++
		}
	}
	assert.Equal(t, 3, notReady)
}

func TestDeploy_Cancel(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	cfg := testConfig(rec)
	cfg.EntityConcurrency = 1
	o := New(cfg, nil, zap.NewNop())
	plan := testPlan(buildSchema(t, storeERD, schema.Options{}))

	record := o.Deploy(context.Background(), api, plan, func(step models.DeploymentStep, message string, details map[string]any) {
		rec.progress(step, message, details)
		if strings.HasPrefix(message, "Created entity") {
			assert.True(t, o.Cancels().Cancel(plan.DeploymentID))
		}
	})

	assert.Equal(t, models.DeploymentStatusCancelled, record.Status)
	assert.Equal(t, models.StepCancelled, record.Step)
	assert.Equal(t, 1, record.Summary.EntitiesCreated)
	assert.Equal(t, 1, api.Calls("CreateEntity"))
	assert.Zero(t, api.Calls("CreateRelationship"))
	assert.True(t, record.Rollbackable)
	assert.False(t, o.Cancels().Cancel(plan.DeploymentID))
}

func TestDeploy_PublisherPrefixMismatch(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	api.SeedPublisher(dataverse.Publisher{UniqueName: "contoso", CustomizationPrefix: "xy"})

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(buildSchema(t, storeERD, schema.Options{})), rec.progress)

	assert.Equal(t, models.DeploymentStatusFailed, record.Status)
	assert.Equal(t, models.StepFailed, record.Step)
	assert.False(t, record.Rollbackable)
	assert.Zero(t, api.Calls("CreateEntity"))
	require.NotEmpty(t, record.Summary.Errors)
	assert.Contains(t, record.Summary.Errors[0], `prefix "xy"`)
}

func TestDeploy_ExistingPublisherIsReused(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	api.SeedPublisher(dataverse.Publisher{UniqueName: "contoso", CustomizationPrefix: "cr"})

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(buildSchema(t, storeERD, schema.Options{})), rec.progress)

	assert.Equal(t, models.DeploymentStatusSucceeded, record.Status)
	assert.False(t, record.Publisher.Created)
	assert.Zero(t, api.Calls("CreatePublisher"))
}

func TestDeploy_BoundedEntityConcurrency(t *testing.T) {
	var b strings.Builder
	b.WriteString("erDiagram\n")
	for _, name := range []string{"Alpha", "Bravo", "Charlie", "Delta", "Echo", "Foxtrot", "Golf"} {
		b.WriteString("    " + name + " {\n        string id PK\n    }\n")
	}

	rec := &recorder{}
	api := dataverse.NewMockAPI()
	api.FailFunc = func(op, _ string) error {
		if op == "CreateEntity" {
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	}

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(buildSchema(t, b.String(), schema.Options{})), rec.progress)

	assert.Equal(t, 7, record.Summary.EntitiesCreated)
	assert.LessOrEqual(t, api.MaxInFlight("CreateEntity"), 3)
}

func TestDeploy_GlobalChoices(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	existingID := api.SeedGlobalChoice("cr_region")

	s := buildSchema(t, storeERD, schema.Options{
		GlobalChoices: []models.GlobalChoice{{Name: "Priority", Options: []string{"Low", "High"}}},
	})
	plan := testPlan(s)
	plan.SelectedChoices = []string{"cr_region"}

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, plan, rec.progress)

	assert.Equal(t, models.DeploymentStatusSucceeded, record.Status)
	assert.Equal(t, []string{"cr_priority"}, record.GlobalChoices)
	assert.Equal(t, 1, record.Summary.GlobalChoicesCreated)
	assert.True(t, api.HasGlobalChoice("cr_priority"))
	assert.Contains(t, api.Components("store"), "9:"+existingID)
	assert.Contains(t, rec.distinctSteps(), models.StepChoicesCreating)
}

func TestDeploy_GlobalChoicesCreatedConcurrentlyInPlanOrder(t *testing.T) {
	rec := &recorder{}
	api := dataverse.NewMockAPI()
	api.SeedGlobalChoice("cr_status")
	api.FailFunc = func(op, target string) error {
		if op == "CreateGlobalChoice" {
			// Earlier choices finish last.
			if target == "cr_alpha" {
				time.Sleep(15 * time.Millisecond)
			}
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	}

	var choices []models.GlobalChoice
	for _, name := range []string{"Alpha", "Bravo", "Status", "Charlie", "Delta"} {
		choices = append(choices, models.GlobalChoice{Name: name, Options: []string{"One", "Two"}})
	}
	s := buildSchema(t, storeERD, schema.Options{GlobalChoices: choices})

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(s), rec.progress)

	assert.Equal(t, models.DeploymentStatusSucceeded, record.Status)
	assert.Equal(t, []string{"cr_alpha", "cr_bravo", "cr_charlie", "cr_delta"}, record.GlobalChoices)
	assert.Equal(t, 4, record.Summary.GlobalChoicesCreated)
	assert.Contains(t, strings.Join(record.Summary.Warnings, "\n"), "global choice cr_status already exists")
	assert.Equal(t, 5, api.Calls("CreateGlobalChoice"))
	assert.Greater(t, api.MaxInFlight("CreateGlobalChoice"), 1)
	assert.LessOrEqual(t, api.MaxInFlight("CreateGlobalChoice"), 3)
}

func TestDeploy_LinksCDMEntities(t *testing.T) {
	doc := erd.Parse("erDiagram\n    Account {\n        string id PK\n    }\n    Invoice {\n        string id PK\n        string account_id FK\n    }\n    Account ||--o{ Invoice")
	doc.Entities[0].IsCdm = true
	g, err := schema.NewGenerator(schema.Options{
		PublisherPrefix: "cr",
		CDM: &models.CDMDetection{Matches: []models.CDMMatch{
			{Entity: "Account", CDMEntity: "Account", LogicalName: "account", MatchType: models.CDMMatchExact},
		}},
	})
	require.NoError(t, err)

	rec := &recorder{}
	api := dataverse.NewMockAPI()
	accountID := api.SeedEntity("account")

	record := New(testConfig(rec), nil, zap.NewNop()).Deploy(context.Background(), api, testPlan(g.Generate(doc.Entities, doc.Relationships)), rec.progress)

	assert.Equal(t, models.DeploymentStatusSucceeded, record.Status)
	assert.Equal(t, []string{"cr_invoice"}, record.Entities)
	assert.Equal(t, 1, record.Summary.CDMEntitiesLinked)
	assert.Equal(t, 1, record.Summary.RelationshipsCreated)
	assert.Contains(t, api.Components("store"), "1:"+accountID)
}

func TestCancelRegistry(t *testing.T) {
	r := NewCancelRegistry()
	id := uuid.New()

	assert.False(t, r.Cancel(id))
	unregister := r.Register(id)
	assert.True(t, r.IsRunning(id))
	assert.False(t, r.IsCancelled(id))
	assert.True(t, r.Cancel(id))
	assert.True(t, r.IsCancelled(id))
	unregister()
	assert.False(t, r.IsRunning(id))
	assert.False(t, r.IsCancelled(id))
}
