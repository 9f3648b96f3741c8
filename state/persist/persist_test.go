package persist

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/imulink/log2"
)

type testState struct {
	value string
	fail  bool
}

func (s *testState) MarshalBinary() ([]byte, error) {
	if s.fail {
		return nil, fmt.Errorf("marshal failed")
	}
	return []byte(s.value), nil
}

func (s *testState) UnmarshalBinary(b []byte) error {
	s.value = string(b)
	return nil
}

func tempDir(t testing.TB) string {
	dir, err := ioutil.TempDir("", "imulink-persist-")
	require.NoError(t, err)
	return dir
}

func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	root := tempDir(t)
	defer os.RemoveAll(root)

	var p1 Persist
	s1 := &testState{value: "hello"}
	require.NoError(t, p1.Init("state", s1, root, true, log))
	assert.True(t, p1.Enabled())
	require.NoError(t, p1.Load(), "load from empty storage")
	assert.Equal(t, "hello", s1.value, "empty storage keeps target")
	require.NoError(t, p1.Store())

	// new process
	var p2 Persist
	s2 := &testState{}
	require.NoError(t, p2.Init("state", s2, root, true, log))
	require.NoError(t, p2.Load())
	assert.Equal(t, "hello", s2.value)

	require.NoError(t, p2.Clear())
	s3 := &testState{value: "stale"}
	var p3 Persist
	require.NoError(t, p3.Init("state", s3, root, true, log))
	require.NoError(t, p3.Load())
	assert.Equal(t, "", s3.value)

	_, err := os.Stat(filepath.Join(root, "state"))
	assert.NoError(t, err)
}

func TestPersistDisabled(t *testing.T) {
	t.Parallel()

	var p Persist
	s := &testState{value: "x"}
	require.NoError(t, p.Init("off", s, "", false, log2.NewTest(t, log2.LDebug)))
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Load())
	assert.NoError(t, p.Store())
	assert.NoError(t, p.Clear())
	assert.Equal(t, "x", s.value)
}

func TestPersistErrors(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	var p Persist
	err := p.Init("state", &testState{}, "", true, log)
	assert.Error(t, err)

	root := tempDir(t)
	defer os.RemoveAll(root)
	s := &testState{fail: true}
	require.NoError(t, p.Init("state", s, root, true, log))
	err = p.Store()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal failed")

	assert.Panics(t, func() {
		var uninit Persist
		_ = uninit.Load()
	})
}

func TestPersistShrink(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	root := tempDir(t)
	defer os.RemoveAll(root)

	long := string(make([]byte, 200))
	cases := []struct {
		name  string
		value string
		clear bool
	}{
		{"long", long, false},
		{"short", "ab", false},
		{"clear", "", true},
		{"after-clear", "xyz", false},
		{"clear-again", "", true},
	}
	for _, c := range cases {
		// fresh Persist per step, no Load before write
		var p Persist
		require.NoError(t, p.Init("state", &testState{value: c.value}, root, true, log), c.name)
		if c.clear {
			require.NoError(t, p.Clear(), c.name)
		} else {
			require.NoError(t, p.Store(), c.name)
		}

		var pr Persist
		s := &testState{value: "stale"}
		require.NoError(t, pr.Init("state", s, root, true, log), c.name)
		require.NoError(t, pr.Load(), c.name)
		assert.Equal(t, c.value, s.value, c.name)
	}
}

func TestUnframe(t *testing.T) {
	t.Parallel()

	b, err := unframe(frame([]byte("hi"), 100))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))
	assert.Len(t, frame(nil, 0), recordAlign)

	_, err = unframe([]byte{1, 2})
	assert.Error(t, err)
	_, err = unframe([]byte{9, 0, 0, 0, 'x'})
	assert.Error(t, err)
}
