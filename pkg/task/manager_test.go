package task

import (
	"context"
	"testing"

	"github.com/matryer/is"
)

func TestStartIsExclusive(t *testing.T) {
	is := is.New(t)
	m := NewManager(context.TODO())

	ctx, err := m.Start(1)
	is.NoErr(err)
	is.True(ctx.Err() == nil)

	_, err = m.Start(1)
	is.Equal(err, ErrAlreadyStarted)

	m.Done(1)
	_, err = m.Start(1)
	is.NoErr(err)
}

func TestStopCancelsTask(t *testing.T) {
	is := is.New(t)
	m := NewManager(context.TODO())

	ctx, err := m.Start(42)
	is.NoErr(err)

	is.NoErr(m.Stop(42))
	<-ctx.Done()
	is.Equal(ctx.Err(), context.Canceled)

	// Still registered until the worker reports Done.
	is.True(m.Exists(42))
	m.Done(42)
	is.True(!m.Exists(42))
}

func TestStopUnknownTask(t *testing.T) {
	is := is.New(t)
	m := NewManager(context.TODO())
	is.Equal(m.Stop(99), ErrNotFound)
}

func TestStopAll(t *testing.T) {
	is := is.New(t)
	m := NewManager(context.TODO())

	ctx1, err := m.Start(1)
	is.NoErr(err)
	ctx2, err := m.Start(2)
	is.NoErr(err)

	m.StopAll()
	<-ctx1.Done()
	<-ctx2.Done()
}

func TestParentCancelTripsTasks(t *testing.T) {
	is := is.New(t)
	parent, cancel := context.WithCancel(context.TODO())
	m := NewManager(parent)

	ctx, err := m.Start(1)
	is.NoErr(err)

	cancel()
	<-ctx.Done()
}
