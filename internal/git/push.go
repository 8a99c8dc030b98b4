package git

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/ruscur/snowpatch/internal/domain"
)

// pushToRemotes pushes the series branch to every entry in "remotes to
// push to" (key = remote name, value = runner handle), with SSH
// credentials read from the scalar Queue Store keys. It returns the
// runner handles that should receive a queue entry — one per successful
// (or non-fast-forward-warned) push.
func (e *Engine) pushToRemotes(ctx context.Context, repo *git.Repository, seriesID int64, log *slog.Logger) ([]string, error) {
	auth, err := e.sshAuth()
	if err != nil {
		return nil, fmt.Errorf("load ssh credentials: %w", err)
	}

	branch := domain.BranchName(seriesID)
	refspec := config.RefSpec(fmt.Sprintf("HEAD:refs/heads/%s", branch))

	var handles []string
	err = e.store.Iterate(treeRemotesToPush, func(key, value []byte) error {
		remote := string(key)
		handle := string(value)

		pushErr := repo.PushContext(ctx, &git.PushOptions{
			RemoteName: remote,
			RefSpecs:   []config.RefSpec{refspec},
			Auth:       auth,
		})
		switch {
		case pushErr == nil, pushErr == git.NoErrAlreadyUpToDate:
			handles = append(handles, handle)
		case isNonFastForward(pushErr):
			log.Warn("git: push not fast-forward, branch already exists", "remote", remote, "branch", branch)
			handles = append(handles, handle)
		default:
			return fmt.Errorf("push to %s: %w", remote, pushErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handles, nil
}

func isNonFastForward(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "non-fast-forward") || strings.Contains(err.Error(), "not fast forward")
}

// sshAuth builds an SSH auth method from the key paths recorded by the
// configuration layer in the scalar Queue Store: push callbacks run from
// worker goroutines and must not hold configuration references directly.
func (e *Engine) sshAuth() (transport.AuthMethod, error) {
	keyPath, ok, err := e.store.GetScalar(ScalarSSHPrivateKeyPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("scalar %q not set", ScalarSSHPrivateKeyPath)
	}
	return gitssh.NewPublicKeysFromFile(e.cfg.SSHUser, string(keyPath), "")
}
