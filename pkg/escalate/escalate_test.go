package escalate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recorder struct {
	argv0 string
	argv  []string
}

func newTestEscalator(rec *recorder) *Escalator {
	return &Escalator{
		lookPath: func(file string) (string, error) {
			return "/usr/bin/" + file, nil
		},
		executable: func() (string, error) {
			return "/usr/local/bin/cgmemtime", nil
		},
		probe: func(ctx context.Context) error {
			return nil
		},
		exec: func(argv0 string, argv []string, envv []string) error {
			rec.argv0 = argv0
			rec.argv = argv
			return nil
		},
	}
}

func TestCommand(t *testing.T) {
	argv := Command("systemd-run", "/usr/local/bin/cgmemtime", []string{"-t", "make", "-j8"})
	assert.Equal(t, []string{
		"systemd-run", "--user", "--scope", "--quiet", "--collect", "--",
		"/usr/local/bin/cgmemtime", "--no-escalate", "-t", "make", "-j8",
	}, argv)
}

func TestReexec(t *testing.T) {
	rec := &recorder{}
	e := newTestEscalator(rec)
	require.NoError(t, e.Reexec(context.Background(), []string{"sleep", "1"}))
	assert.Equal(t, "/usr/bin/systemd-run", rec.argv0)
	assert.Equal(t, []string{
		"systemd-run", "--user", "--scope", "--quiet", "--collect", "--",
		"/usr/local/bin/cgmemtime", "--no-escalate", "sleep", "1",
	}, rec.argv)
}

func TestReexecHelperNotFound(t *testing.T) {
	rec := &recorder{}
	e := newTestEscalator(rec)
	e.lookPath = func(file string) (string, error) {
		return "", errors.New("executable file not found in $PATH")
	}
	err := e.Reexec(context.Background(), []string{"true"})
	assert.ErrorIs(t, err, ErrHelperNotFound)
	assert.Nil(t, rec.argv)
}

func TestReexecNoUserManager(t *testing.T) {
	rec := &recorder{}
	e := newTestEscalator(rec)
	e.probe = func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return errors.New("dial unix /run/user/1000/bus: connect: no such file or directory")
	}
	err := e.Reexec(context.Background(), []string{"true"})
	assert.ErrorIs(t, err, ErrNoUserManager)
	assert.Nil(t, rec.argv)
}

func TestReexecExecFailure(t *testing.T) {
	e := newTestEscalator(&recorder{})
	e.exec = func(argv0 string, argv []string, envv []string) error {
		return unix.EACCES
	}
	err := e.Reexec(context.Background(), []string{"true"})
	assert.ErrorIs(t, err, unix.EACCES)
	assert.NotErrorIs(t, err, ErrNoUserManager)
}

func TestReexecExecutableFailure(t *testing.T) {
	e := newTestEscalator(&recorder{})
	e.executable = func() (string, error) {
		return "", unix.ENOENT
	}
	assert.ErrorIs(t, e.Reexec(context.Background(), nil), unix.ENOENT)
}
