package taskclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownTask is returned by Fake.Poll for ids it never issued.
var ErrUnknownTask = errors.New("unknown task")

// Fake is a scripted Client. Every submitted task replays the script of its
// plugin type, one entry per poll; the last entry repeats. Types without a
// script finish on the first poll with no errors.
type Fake struct {
	mu        sync.Mutex
	scripts   map[string][]Progress
	tasks     map[string]*fakeTask
	submitted []Submission
	submitErr error
	seq       int
}

type fakeTask struct {
	script []Progress
	polls  int
}

func NewFake() *Fake {
	return &Fake{
		scripts: make(map[string][]Progress),
		tasks:   make(map[string]*fakeTask),
	}
}

// Script sets the progress sequence reported for stages of pluginType.
func (f *Fake) Script(pluginType string, steps ...Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[pluginType] = steps
}

// FailSubmissions makes every following Submit return err.
func (f *Fake) FailSubmissions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *Fake) Submit(_ context.Context, s Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.seq++
	id := fmt.Sprintf("task-%d", f.seq)
	script := f.scripts[string(s.Config.Type)]
	if len(script) == 0 {
		script = []Progress{{State: FinishedState, Processed: 1}}
	}
	f.tasks[id] = &fakeTask{script: script}
	f.submitted = append(f.submitted, s)
	return id, nil
}

func (f *Fake) Poll(_ context.Context, taskID string) (Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return Progress{}, ErrUnknownTask
	}
	i := t.polls
	if i >= len(t.script) {
		i = len(t.script) - 1
	}
	t.polls++
	return t.script[i], nil
}

// Submitted returns every submission received so far.
func (f *Fake) Submitted() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submitted...)
}
