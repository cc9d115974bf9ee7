package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
id: proj-payments
title: Payments
owner: lead@example.com
participants:
  - alice
  - bob
routing:
  team: payments
workflows:
  - name: feature
    rejection_strategy: origin
    gates:
      - id: implement
        role: backend
      - id: security
        role: security-reviewer
        when: tags contains 'security'
      - id: review
        role: architect
        can_reject: true
        timeout: 4h
        escalate_to: staff-engineer
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return dir
}

func TestLoadManifest(t *testing.T) {
	dir := writeManifest(t, sampleManifest)

	m, err := LoadDir(dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "proj-payments", m.ID)
	assert.Equal(t, "payments", m.Routing.Team)

	w, ok := m.Workflow("feature")
	require.True(t, ok)
	assert.Equal(t, RejectToOrigin, w.RejectionStrategy)
	require.Len(t, w.Gates, 3)

	review, ok := w.Gate("review")
	require.True(t, ok)
	assert.True(t, review.CanReject)
	assert.Equal(t, 4*time.Hour, review.Timeout.Std())
	assert.Equal(t, "staff-engineer", review.EscalateTo)
	assert.True(t, w.IsLast("review"))
	assert.False(t, w.IsLast("implement"))
	assert.Equal(t, "implement", w.First().ID)

	// The when predicate was compiled at load
	sec, ok := w.Gate("security")
	require.True(t, ok)
	assert.True(t, sec.Applies(View{Tags: []string{"security"}}))
	assert.False(t, sec.Applies(View{Tags: []string{"docs"}}))
}

func TestLoadDirWithoutManifest(t *testing.T) {
	m, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestIsParticipant(t *testing.T) {
	dir := writeManifest(t, sampleManifest)
	m, err := LoadDir(dir)
	require.NoError(t, err)

	assert.True(t, m.IsParticipant("alice"))
	assert.False(t, m.IsParticipant("mallory"))

	open := &Manifest{}
	assert.True(t, open.IsParticipant("anyone"))

	var nilManifest *Manifest
	assert.True(t, nilManifest.IsParticipant("anyone"))
}

func TestValidateRejectsBadManifests(t *testing.T) {
	cases := map[string]string{
		"unnamed workflow": `
workflows:
  - rejection_strategy: origin
    gates: [{id: g, role: r}]
`,
		"no gates": `
workflows:
  - name: w
`,
		"bad strategy": `
workflows:
  - name: w
    rejection_strategy: sideways
    gates: [{id: g, role: r}]
`,
		"duplicate gate": `
workflows:
  - name: w
    gates:
      - {id: g, role: r}
      - {id: g, role: r2}
`,
		"gate without role": `
workflows:
  - name: w
    gates: [{id: g}]
`,
		"timeout without escalate_to": `
workflows:
  - name: w
    gates: [{id: g, role: r, timeout: 1h}]
`,
		"bad predicate": `
workflows:
  - name: w
    gates: [{id: g, role: r, when: "tags includes 'x'"}]
`,
	}
	for name, content := range cases {
		dir := writeManifest(t, content)
		_, err := LoadDir(dir)
		assert.Error(t, err, name)
	}
}

func TestDefaultRejectionStrategy(t *testing.T) {
	dir := writeManifest(t, `
workflows:
  - name: w
    gates: [{id: g, role: r}]
`)
	m, err := LoadDir(dir)
	require.NoError(t, err)
	w, ok := m.Workflow("w")
	require.True(t, ok)
	assert.Equal(t, RejectToOrigin, w.RejectionStrategy)
}
