package report

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFuncsSkipsNilCallbacks(t *testing.T) {
	t.Parallel()

	var got []int
	r := Funcs[string]{OnProgress: func(p int) { got = append(got, p) }}
	r.Progress(10)
	r.Log("ignored", SeverityWarning)
	r.Done("ignored")
	require.Equal(t, []int{10}, got)
}

func TestMultiFansOutInOrder(t *testing.T) {
	t.Parallel()

	a, b := &Recorder[string]{}, &Recorder[string]{}
	m := Multi[string](a, nil, b)
	m.Progress(5)
	m.Log("hello", SeverityNormal)
	m.Done("result")

	for _, r := range []*Recorder[string]{a, b} {
		ev := r.Events()
		require.Len(t, ev, 3)
		require.Equal(t, "progress", ev[0].Kind)
		require.Equal(t, "hello", ev[1].Text)
		require.Equal(t, "result", ev[2].Result)
	}
}

func TestSerializedRecorderConcurrent(t *testing.T) {
	t.Parallel()

	rec := &Recorder[int]{}
	r := Serialized[int](rec)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Progress(i)
			r.Log("x", SeverityNormal)
		}(i)
	}
	wg.Wait()
	require.Len(t, rec.ProgressValues(), 20)
	require.Len(t, rec.Logs(), 20)
}

func TestSeverityString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "normal", SeverityNormal.String())
	require.Equal(t, "warning", SeverityWarning.String())
}

func TestConsoleRendersBarAndLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := NewConsole[string](&buf)
	c.NoColor = true
	c.OnDone = func(w io.Writer, result string) { _, _ = io.WriteString(w, "done: "+result+"\n") }

	c.Progress(0)
	c.Progress(50)
	c.Log("AWS Tokyo: avg 10.40 ms", SeverityNormal)
	c.Log("AWS Singapore: all samples lost", SeverityWarning)
	c.Progress(100)
	c.Done("ok")

	out := buf.String()
	require.Contains(t, out, "[###############---------------]  50%")
	require.Contains(t, out, "AWS Tokyo: avg 10.40 ms\n")
	require.Contains(t, out, "AWS Singapore: all samples lost\n")
	require.Contains(t, out, "100%\n")
	require.True(t, strings.HasSuffix(out, "done: ok\n"))
}
