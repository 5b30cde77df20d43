package component

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *Component {
	return New("root", "container",
		New("header", "heading").WithProp("content", String("Welcome")),
		New("form", "form",
			New("name", "input").WithProp("name", String("name")),
			New("submit", "button").WithProp("label", String("Send")).On("click", "/form/submit"),
		),
	)
}

func TestFindAndPaths(t *testing.T) {
	root := sampleTree()

	n, ok := Find(root, "submit")
	require.True(t, ok)
	assert.Equal(t, "button", n.Type)

	_, ok = Find(root, "missing")
	assert.False(t, ok)

	path, ok := PathTo(root, "name")
	require.True(t, ok)
	assert.Equal(t, []string{"root", "form", "name"}, path)

	parent, ok := ParentOf(root, "submit")
	require.True(t, ok)
	assert.Equal(t, "form", parent.ID)

	_, ok = ParentOf(root, "root")
	assert.False(t, ok)

	assert.Len(t, FindAllByType(root, "input"), 1)
	assert.Equal(t, 3, Depth(root))
	assert.Equal(t, 5, Count(root))
	assert.Equal(t, []string{"root", "header", "form", "name", "submit"}, IDs(root))
	assert.Equal(t, 0, Depth(nil))
}

func TestAddChildSharesUntouchedSubtrees(t *testing.T) {
	root := sampleTree()
	header, _ := Find(root, "header")

	next, err := AddChild(root, "form", New("email", "input"), 1)
	require.NoError(t, err)

	path, ok := PathTo(next, "email")
	require.True(t, ok)
	assert.Equal(t, []string{"root", "form", "email"}, path)
	form, _ := Find(next, "form")
	assert.Equal(t, "name", form.Children[0].ID)
	assert.Equal(t, "email", form.Children[1].ID)

	// the old root is untouched and the header subtree is shared
	_, ok = Find(root, "email")
	assert.False(t, ok)
	nextHeader, _ := Find(next, "header")
	assert.Same(t, header, nextHeader)
}

func TestAddChildRejectsDuplicatesAndDepth(t *testing.T) {
	root := sampleTree()

	_, err := AddChild(root, "form", New("header", "text"), -1)
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = AddChild(root, "nope", New("x", "text"), -1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = addChild(root, "name", New("deep", "text"), -1, 3)
	assert.ErrorIs(t, err, ErrDepthExceeded)

	_, err = AddChild(root, "form", New("", "text"), -1)
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestRemove(t *testing.T) {
	root := sampleTree()

	next, removed, err := Remove(root, "form")
	require.NoError(t, err)
	assert.Equal(t, "form", removed.ID)
	assert.Equal(t, 2, Count(next))
	assert.Equal(t, 5, Count(root))

	_, _, err = Remove(root, "root")
	assert.ErrorIs(t, err, ErrRootImmutable)

	_, _, err = Remove(root, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMergesAndKeepsID(t *testing.T) {
	root := sampleTree()
	typ := "text"
	patch := Patch{
		Type:       &typ,
		Properties: NewProps().Set("content", String("Hello")).Set("lang", String("en")),
	}

	next, err := Update(root, "header", patch)
	require.NoError(t, err)

	n, _ := Find(next, "header")
	assert.Equal(t, "header", n.ID)
	assert.Equal(t, "text", n.Type)
	assert.Equal(t, []string{"content", "lang"}, n.Properties.Keys())
	v, _ := n.Properties.Get("content")
	assert.Equal(t, "Hello", v.Str())

	old, _ := Find(root, "header")
	v, _ = old.Properties.Get("content")
	assert.Equal(t, "Welcome", v.Str())
}

func TestUpdateChildrenChecksIDs(t *testing.T) {
	root := sampleTree()

	_, err := Update(root, "form", Patch{Children: []*Component{New("header", "text")}})
	assert.ErrorIs(t, err, ErrDuplicateID)

	// ids inside the replaced subtree may be reused
	next, err := Update(root, "form", Patch{Children: []*Component{New("submit", "button")}})
	require.NoError(t, err)
	assert.Equal(t, 4, Count(next))
}

func TestMove(t *testing.T) {
	root := sampleTree()

	next, err := Move(root, "submit", "root", 0)
	require.NoError(t, err)
	path, _ := PathTo(next, "submit")
	assert.Equal(t, []string{"root", "submit"}, path)
	assert.Equal(t, 5, Count(next))

	_, err = Move(root, "form", "name", -1)
	assert.ErrorIs(t, err, ErrCycle)

	_, err = Move(root, "root", "form", -1)
	assert.ErrorIs(t, err, ErrRootImmutable)
}

func TestReplaceNode(t *testing.T) {
	root := sampleTree()

	next, err := ReplaceNode(root, New("form", "card", New("title", "text")))
	require.NoError(t, err)
	n, _ := Find(next, "form")
	assert.Equal(t, "card", n.Type)
	_, ok := Find(next, "submit")
	assert.False(t, ok)

	_, err = ReplaceNode(root, New("form", "card", New("header", "text")))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestValidateReportsEveryViolation(t *testing.T) {
	root := New("a", "container",
		New("b", "text"),
		New("b", "widget"),
		New("", "text"),
	)

	violations := Validate(root, Options{Types: NewBuiltinRegistry()})
	codes := make([]string, 0, len(violations))
	for _, v := range violations {
		codes = append(codes, v.Code)
	}
	assert.ElementsMatch(t, []string{ViolationDuplicateID, ViolationUnknownType, ViolationEmptyID}, codes)

	deep := New("l1", "container", New("l2", "container", New("l3", "container", New("l4", "container"))))
	violations = Validate(deep, Options{MaxDepth: 2})
	require.Len(t, violations, 2)
	assert.Equal(t, "/children/0/children/0", violations[0].Path)
}

func TestRegistrySchemaAndSubset(t *testing.T) {
	reg := NewBuiltinRegistry()
	assert.True(t, reg.Allows("button"))
	assert.False(t, reg.Allows("marquee"))

	assert.NoError(t, reg.CheckProperties("button", NewProps().Set("label", String("OK"))))
	err := reg.CheckProperties("button", NewProps().Set("label", Number(3)))
	assert.ErrorIs(t, err, ErrInvalidProperty)

	sub := reg.Subset([]string{"text", "button", "marquee"})
	assert.Equal(t, []string{"button", "text"}, sub.Names())

	assert.Error(t, reg.Register(TypeDef{Name: "text"}))
	assert.Error(t, reg.Register(TypeDef{Name: "broken", Schema: "{"}))
}

func TestJSONRoundTripKeepsPropertyOrder(t *testing.T) {
	root := New("root", "container",
		New("t", "text").
			WithProp("z", String("last")).
			WithProp("a", Number(1.5)).
			WithProp("list", List(Bool(true), String("x"))).
			WithStyle("color", String("red")),
	)

	data, err := json.Marshal(root)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"properties":{"z":"last","a":1.5,"list":[true,"x"]}`)

	var back Component
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, root.Equal(&back))
}

func TestValueRejectsNullAndNaN(t *testing.T) {
	var v Value
	assert.ErrorIs(t, json.Unmarshal([]byte(`null`), &v), ErrUnsupportedValue)

	nested := MapValue(NewProps().Set("n", Number(1)).Set("s", String("x")))
	data, err := json.Marshal(nested)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1,"s":"x"}`, string(data))

	_, err = ValueOf(struct{}{})
	assert.True(t, errors.Is(err, ErrUnsupportedValue))
}
