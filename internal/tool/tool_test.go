package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinition_Signature(t *testing.T) {
	d := Definition{
		Name:    "read",
		Params:  []Param{Typed("path", "str"), Optional("limit", "int")},
		Returns: "str",
	}
	assert.Equal(t, "read(path: str, limit: int = None) -> str", d.Signature())

	empty := Definition{Name: "noop"}
	assert.Equal(t, "noop() -> any", empty.Signature())
}

func TestFormatDocs(t *testing.T) {
	defs := []Definition{
		{
			Name:        "read",
			Description: "Read a file",
			Params: []Param{{
				Name: "path", Type: "str", Description: "File path", Required: true,
			}},
			Returns: "str",
		},
		{Name: "secret", Hidden: true},
	}

	docs := FormatDocs(defs)
	assert.Contains(t, docs, "- `read(path: str) -> str`")
	assert.Contains(t, docs, "— Read a file")
	assert.Contains(t, docs, "- `path`: File path")
	assert.NotContains(t, docs, "secret")
}

func TestCatalogJSON(t *testing.T) {
	assert.Equal(t, "[]", CatalogJSON(nil))

	data := CatalogJSON([]Definition{{Name: "echo", Returns: "str"}})
	var defs []Definition
	require.NoError(t, json.Unmarshal([]byte(data), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{Name: "echo", Params: []Param{Typed("text", "str")}},
		func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		})

	res := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Result)
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown tool: nope", res.Result)
}

func TestRegistry_HandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{Name: "boom"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", errors.New("exploded")
	})
	res := r.Execute(context.Background(), "boom", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "exploded", res.Result)
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{Name: "zeta"}, nil)
	r.Register(Definition{Name: "alpha"}, nil)
	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
}

func TestSuggest(t *testing.T) {
	defs := []Definition{{Name: "read_file"}, {Name: "write_file"}}

	got, ok := Suggest(defs, "read_fil")
	require.True(t, ok)
	assert.Equal(t, "read_file", got)

	_, ok = Suggest(defs, "completely_different")
	assert.False(t, ok)
}

func TestMultiProvider_RoutesAndDedupes(t *testing.T) {
	a := NewRegistry()
	a.Register(Definition{Name: "shared"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "from-a", nil
	})
	b := NewRegistry()
	b.Register(Definition{Name: "shared"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "from-b", nil
	})
	b.Register(Definition{Name: "only_b"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "b", nil
	})

	m := NewMultiProvider(a, b)
	require.Len(t, m.Definitions(), 2)

	res := m.Execute(context.Background(), "shared", nil)
	assert.Equal(t, "from-a", res.Result)

	res = m.Execute(context.Background(), "only_b", nil)
	assert.Equal(t, "b", res.Result)

	res = m.Execute(context.Background(), "ghost", nil)
	assert.False(t, res.Success)
}
