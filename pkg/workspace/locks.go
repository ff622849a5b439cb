package workspace

import "sync"

// projectLocks hands out one RWMutex per project name. Mutations of a
// project take the write lock; status, branch listing and observation take
// the read lock.
type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[string]*sync.RWMutex)}
}

func (l *projectLocks) get(project string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[project]
	if !ok {
		lock = &sync.RWMutex{}
		l.locks[project] = lock
	}
	return lock
}

// lock takes the project's write lock and returns its release func.
func (l *projectLocks) lock(project string) func() {
	lock := l.get(project)
	lock.Lock()
	return lock.Unlock
}

// rlock takes the project's read lock and returns its release func.
func (l *projectLocks) rlock(project string) func() {
	lock := l.get(project)
	lock.RLock()
	return lock.RUnlock
}

// rlockAll takes the read locks of projects in order and returns a func
// that releases them all.
func (l *projectLocks) rlockAll(projects []string) func() {
	release := make([]func(), 0, len(projects))
	for _, p := range projects {
		release = append(release, l.rlock(p))
	}
	return func() {
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
	}
}
