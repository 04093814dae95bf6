package erd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopERD = `erDiagram
    Customer {
        string id PK
        string name %% display name
    }
    Order {
        string id PK
        lookup(Customer) buyer
    }
    Customer ||--o{ Order : places`

func TestEditor_ApplyKeepsUntouchedLines(t *testing.T) {
	doc := Parse(shopERD)
	ed := NewEditor(doc)

	assert.False(t, ed.Changed())
	assert.Equal(t, shopERD, ed.Apply())
}

func TestEditor_InsertReplaceDelete(t *testing.T) {
	doc := Parse("a\nb\nc")
	ed := NewEditor(doc)

	ed.InsertAfter(-1, "top")
	ed.Replace(1, "B1", "B2")
	ed.InsertAfter(1, "after-b")
	ed.Delete(2)
	ed.Append("tail")

	assert.True(t, ed.Changed())
	assert.Equal(t, "top\na\nB1\nB2\nafter-b\ntail", ed.Apply())
}

func TestEditor_InsertOrderOnSameLine(t *testing.T) {
	doc := Parse("a\nb")
	ed := NewEditor(doc)

	ed.InsertAfter(0, "first")
	ed.InsertAfter(0, "second")

	assert.Equal(t, "a\nfirst\nsecond\nb", ed.Apply())
}

func TestEditor_AppendBeforeTrailingBlankLines(t *testing.T) {
	doc := Parse("erDiagram\n    A {}\n\n")
	ed := NewEditor(doc)
	ed.Append("    B {}")

	assert.Equal(t, "erDiagram\n    A {}\n    B {}\n\n", ed.Apply())
}

func TestEditor_RenameEntity(t *testing.T) {
	doc := Parse(shopERD)
	ed := NewEditor(doc)
	ed.RenameEntity("Customer", "Client")

	out := Parse(ed.Apply())
	_, hasCustomer := out.Entity("Customer")
	_, hasClient := out.Entity("Client")
	assert.False(t, hasCustomer)
	assert.True(t, hasClient)

	require.Len(t, out.Relationships, 1)
	assert.Equal(t, "Client", out.Relationships[0].FromEntity)
	assert.Equal(t, "Order", out.Relationships[0].ToEntity)

	order, ok := out.Entity("Order")
	require.True(t, ok)
	buyer, ok := order.Attribute("buyer")
	require.True(t, ok)
	assert.Equal(t, "Client", buyer.TargetEntity)
	assert.Contains(t, out.String(), "    Client ||--o{ Order : places")
}

func TestEditor_RenameEntityKeepsSuffixIdentifiers(t *testing.T) {
	doc := Parse("erDiagram\n    Order {}\n    OrderLine {}\n    Order ||--o{ OrderLine : has")
	ed := NewEditor(doc)
	ed.RenameEntity("Order", "SalesOrder")

	out := Parse(ed.Apply())
	require.Len(t, out.Entities, 2)
	assert.Equal(t, "SalesOrder", out.Entities[0].Name)
	assert.Equal(t, "OrderLine", out.Entities[1].Name)
	assert.Equal(t, "SalesOrder", out.Relationships[0].FromEntity)
	assert.Equal(t, "OrderLine", out.Relationships[0].ToEntity)
}

func TestEditor_RenameAttributeKeepsComment(t *testing.T) {
	doc := Parse(shopERD)
	customer, _ := doc.Entity("Customer")
	attr, _ := customer.Attribute("name")

	ed := NewEditor(doc)
	require.True(t, ed.RenameAttribute(attr, "customer_name"))

	out := ed.Apply()
	assert.Contains(t, out, "        string customer_name %% display name")
}

func TestEditor_RelabelAndResymbolRelationship(t *testing.T) {
	doc := Parse(shopERD)
	rel := doc.Relationships[0]

	ed := NewEditor(doc)
	require.True(t, ed.RelabelRelationship(rel, "buys"))
	assert.Contains(t, ed.Apply(), `    Customer ||--o{ Order : "buys"`)

	ed = NewEditor(doc)
	require.True(t, ed.ReplaceRelationshipSymbol(rel, "||--|{"))
	assert.Contains(t, ed.Apply(), `    Customer ||--|{ Order : "places"`)
}

func TestDocument_Indentation(t *testing.T) {
	doc := Parse(shopERD)
	customer, _ := doc.Entity("Customer")

	assert.Equal(t, "    ", doc.EntityIndent(customer))
	assert.Equal(t, "        ", doc.AttributeIndent(customer))
	assert.Equal(t, "    ", doc.RelationshipIndent())
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, `string id PK "Primary identifier"`, FormatAttribute("string", "id", []string{"PK"}, "Primary identifier"))
	assert.Equal(t, "int qty", FormatAttribute("int", "qty", nil, ""))
	assert.Equal(t, "string a PK,UK", FormatAttribute("string", "a", []string{"PK", "UK"}, ""))
	assert.Equal(t, `A ||--o{ B : "has"`, FormatRelationship("A", "||--o{", "B", "has"))
	assert.Equal(t, "A ||--o{ B", FormatRelationship("A", "||--o{", "B", ""))

	assert.Equal(t, []string{
		"    Junction {",
		"        string id PK",
		"    }",
	}, EntityBlock("Junction", "    ", []string{"string id PK"}))
}
