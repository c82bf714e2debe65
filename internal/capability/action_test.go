package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPatternSubsumes(t *testing.T) {
	cases := []struct {
		name   string
		parent string
		child  string
		want   bool
	}{
		{"wildcard subsumes everything", "*", "foo/bar", true},
		{"exact match", "foo/bar", "foo/bar", true},
		{"exact mismatch", "foo/bar", "foo/baz", false},
		{"prefix subsumes narrower prefix", "foo/*", "foo/bar/*", true},
		{"prefix subsumes exact key under it", "foo/*", "foo/bar", true},
		{"prefix does not subsume sibling prefix", "foo/*", "bar/*", false},
		{"prefix does not subsume wildcard", "foo/*", "*", false},
		{"exact pattern never subsumes a prefix", "foo/bar", "foo/*", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, patternSubsumes(tc.parent, tc.child))
		})
	}
}

func TestResourceSubsumes(t *testing.T) {
	parent := Resource{OrbitID: "orbit1", Actions: []Action{Read, Write}, KeyPattern: "docs/*"}

	require.True(t, parent.Subsumes(Resource{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "docs/a"}))
	require.False(t, parent.Subsumes(Resource{OrbitID: "orbit1", Actions: []Action{Delete}, KeyPattern: "docs/a"}),
		"child requests an action the parent never granted")
	require.False(t, parent.Subsumes(Resource{OrbitID: "orbit2", Actions: []Action{Read}, KeyPattern: "docs/a"}),
		"different orbit can never be subsumed")
	require.False(t, parent.Subsumes(Resource{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "other/a"}))
}

func TestResourcesSubsume(t *testing.T) {
	parent := []Resource{
		{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "a/*"},
		{OrbitID: "orbit1", Actions: []Action{Write}, KeyPattern: "b/*"},
	}
	child := []Resource{
		{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "a/x"},
		{OrbitID: "orbit1", Actions: []Action{Write}, KeyPattern: "b/y"},
	}
	require.True(t, ResourcesSubsume(parent, child))

	childTooWide := append(child, Resource{OrbitID: "orbit1", Actions: []Action{Delete}, KeyPattern: "a/x"})
	require.False(t, ResourcesSubsume(parent, childTooWide))
}

func TestCaveatsSubsumes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	parent := Caveats{NotBefore: &now, NotAfter: &later}

	require.True(t, parent.Subsumes(Caveats{NotBefore: &now, NotAfter: &later}))
	require.False(t, parent.Subsumes(Caveats{NotBefore: &earlier, NotAfter: &later}),
		"child window starts before parent's window")
	require.False(t, parent.Subsumes(Caveats{NotBefore: &now, NotAfter: &later.Add(time.Hour)}),
		"child window extends past parent's window")

	pinned := Caveats{Nonce: "abc"}
	require.True(t, pinned.Subsumes(Caveats{Nonce: "abc"}))
	require.False(t, pinned.Subsumes(Caveats{Nonce: "xyz"}))
	require.False(t, pinned.Subsumes(Caveats{}), "child must carry the same pinned nonce")
}

func TestMatchesKey(t *testing.T) {
	require.True(t, Resource{KeyPattern: "*"}.MatchesKey("anything"))
	require.True(t, Resource{KeyPattern: "docs/*"}.MatchesKey("docs/a/b"))
	require.False(t, Resource{KeyPattern: "docs/*"}.MatchesKey("other/a"))
	require.True(t, Resource{KeyPattern: "docs/a"}.MatchesKey("docs/a"))
	require.False(t, Resource{KeyPattern: "docs/a"}.MatchesKey("docs/b"))
}

func TestCapabilityAuthorizes(t *testing.T) {
	c := &Capability{
		Resources: []Resource{
			{OrbitID: "orbit1", Actions: []Action{Read, Write}, KeyPattern: "docs/*"},
		},
	}

	require.True(t, c.Authorizes(Read, "docs/a"))
	require.False(t, c.Authorizes(Delete, "docs/a"), "action not granted")
	require.False(t, c.Authorizes(Read, "other/a"), "key outside the granted pattern")
	require.True(t, c.Authorizes(Read, ""), "an empty key means the action itself, not a specific key")
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("read")
	require.NoError(t, err)
	require.Equal(t, Read, a)

	_, err = ParseAction("frobnicate")
	require.Error(t, err)
}
