//go:build !integration

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/model"
)

func TestReadMemberships(t *testing.T) {
	doc := `
tenant_id: school-a
groups:
  class-7b: [s3]
  class-7a: [s2, s1]
`
	tenant, members, err := readMemberships(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "school-a", tenant)
	assert.Equal(t, []model.GroupMembership{
		{TenantID: "school-a", SubjectID: "s1", GroupID: "class-7a"},
		{TenantID: "school-a", SubjectID: "s2", GroupID: "class-7a"},
		{TenantID: "school-a", SubjectID: "s3", GroupID: "class-7b"},
	}, members)
}

func TestReadMemberships_Errors(t *testing.T) {
	tests := map[string]string{
		"no tenant":     `groups: {a: [s1]}`,
		"empty subject": `{tenant_id: t, groups: {a: [""]}}`,
		"unknown key":   `{tenant_id: t, members: []}`,
		"not yaml":      `groups: [`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := readMemberships(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}
