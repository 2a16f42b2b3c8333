package stage

import "strings"

// Lock gives one requester exclusive use of the stage motors. It guards
// against contending origins, not goroutines: it is only touched from the
// event loop.
type Lock struct {
	held   bool
	holder string
}

func (l *Lock) Holder() (string, bool) {
	return l.holder, l.held
}

// Permits reports whether id may move the stage.
func (l *Lock) Permits(id string) bool {
	return !l.held || strings.EqualFold(l.holder, id)
}

// Acquire takes the lock for id. Asking again for a lock id already
// holds is an error too.
func (l *Lock) Acquire(id string) error {
	if id == "" {
		return &Error{Code: CodeBadArgument, Msg: "lock needs a named requester"}
	}
	if l.held {
		if strings.EqualFold(l.holder, id) {
			return &Error{Code: CodeLockMine, Msg: "AGW already locked by " + l.holder, Err: ErrLocked}
		}
		return &Error{Code: CodeLockHeld, Msg: "lock held by " + l.holder, Err: ErrLocked}
	}
	l.held, l.holder = true, id
	return nil
}

// Release drops the lock held by id. With force the lock is dropped
// whoever holds it; the previous holder is returned.
func (l *Lock) Release(id string, force bool) (string, error) {
	if !l.held {
		return "", &Error{Code: CodeNotLocked, Msg: "AGW not locked", Err: ErrNotLocked}
	}
	if !force && !strings.EqualFold(l.holder, id) {
		return "", &Error{Code: CodeLockHeld, Msg: "lock held by " + l.holder, Err: ErrLocked}
	}
	prev := l.holder
	l.Clear()
	return prev, nil
}

func (l *Lock) Clear() {
	l.held, l.holder = false, ""
}
