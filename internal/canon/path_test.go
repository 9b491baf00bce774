package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTemplatesSimplePath(t *testing.T) {
	obj := map[string]interface{}{
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"spec": map[string]interface{}{"foo": "bar"},
			},
		},
	}
	got, err := ResolveTemplates(obj, "/spec/template")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bar", got[0]["spec"].(map[string]interface{})["foo"])
}

func TestResolveTemplatesWildcard(t *testing.T) {
	obj := map[string]interface{}{
		"spec": map[string]interface{}{
			"jobTemplates": []interface{}{
				map[string]interface{}{"spec": map[string]interface{}{"template": map[string]interface{}{"id": "a"}}},
				map[string]interface{}{"spec": map[string]interface{}{"template": map[string]interface{}{"id": "b"}}},
			},
		},
	}
	got, err := ResolveTemplates(obj, "/spec/jobTemplates/*/spec/template")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0]["id"])
	assert.Equal(t, "b", got[1]["id"])
}

func TestResolveTemplatesUnresolvedSegment(t *testing.T) {
	obj := map[string]interface{}{"spec": map[string]interface{}{}}
	_, err := ResolveTemplates(obj, "/spec/template")
	assert.Error(t, err)
}

func TestResolveTemplatesWildcardOnNonArray(t *testing.T) {
	obj := map[string]interface{}{
		"spec": map[string]interface{}{"template": map[string]interface{}{}},
	}
	_, err := ResolveTemplates(obj, "/spec/*")
	assert.Error(t, err)
}

func TestResolveTemplatesLeafNotObject(t *testing.T) {
	obj := map[string]interface{}{"spec": "not-an-object"}
	_, err := ResolveTemplates(obj, "/spec")
	assert.Error(t, err)
}
