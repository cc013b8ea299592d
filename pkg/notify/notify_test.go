// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	t.Run("forwards lines and events to every presenter", func(t *testing.T) {
		a := &Recorder{}
		b := &Recorder{}
		p := Fanout(a, nil, b)

		p.Line("hello")
		p.Notify(New(KindReady, SeveritySuccess, "ready"))

		for _, r := range []*Recorder{a, b} {
			assert.Equal(t, []string{"hello"}, r.Lines())
			require.Len(t, r.Events(), 1)
			assert.Equal(t, KindReady, r.Events()[0].Kind)
		}
	})

	t.Run("empty fanout is a no-op", func(t *testing.T) {
		p := Fanout()
		p.Line("ignored")
		p.Notify(New(KindNotice, SeverityInfo, "ignored"))
	})
}

func TestRecorder_Concurrent(t *testing.T) {
	r := &Recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Line("line")
			r.Notify(New(KindLost, SeverityWarning, "lost"))
		}()
	}
	wg.Wait()

	assert.Len(t, r.Lines(), 20)
	assert.Equal(t, 20, r.Count(KindLost))
	assert.Equal(t, 0, r.Count(KindEstablished))
}

func TestNew(t *testing.T) {
	ev := New(KindBackendNotInstalled, SeverityWarning, "install it")
	assert.Equal(t, KindBackendNotInstalled, ev.Kind)
	assert.Equal(t, SeverityWarning, ev.Severity)
	assert.Equal(t, "install it", ev.Text)
	assert.False(t, ev.Time.IsZero())
}
