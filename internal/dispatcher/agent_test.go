package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAgentPathRejectsPlainTraversal(t *testing.T) {
	_, ok := validateAgentPath("/home/user/project/../../etc/CLAUDE.md", []string{"/home/user/project"})
	assert.False(t, ok)
}

func TestValidateAgentPathRejectsDoubleEncodedTraversal(t *testing.T) {
	_, ok := validateAgentPath("/home/user/project/%252e%252e/foo/.claude/agents", []string{"/home/user/project"})
	assert.False(t, ok)
}

func TestValidateAgentPathAcceptsContainedPath(t *testing.T) {
	base := t.TempDir()
	resolved, ok := validateAgentPath(base+"/.claude/agents", []string{base})
	assert.True(t, ok)
	assert.Equal(t, base+"/.claude/agents", resolved)
}

func TestValidateAgentPathRejectsOutsideBaseDirs(t *testing.T) {
	base := t.TempDir()
	_, ok := validateAgentPath("/etc/.claude/agents", []string{base})
	assert.False(t, ok)
}

func TestInterceptAgentRewritesModelOnSignatureMatch(t *testing.T) {
	result := interceptAgent("You are an exploration subagent tasked with...", nil)
	assert.Equal(t, "explore", result.AgentName)
	assert.Equal(t, "claude-3-5-haiku-20241022", result.RewrittenModel)
}

func TestInterceptAgentNoMatchLeavesModelEmpty(t *testing.T) {
	result := interceptAgent("You are a helpful assistant.", nil)
	assert.Equal(t, "", result.AgentName)
	assert.Equal(t, "", result.RewrittenModel)
}

func TestContainsTraversalDetectsDotDotSegment(t *testing.T) {
	assert.True(t, containsTraversal("foo/../bar"))
	assert.False(t, containsTraversal("foo/bar"))
	assert.False(t, containsTraversal("foo..bar"))
}
