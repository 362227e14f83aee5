package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/secretsync/internal/client/prompt"
	"github.com/atinyakov/secretsync/internal/client/session"
	"github.com/atinyakov/secretsync/internal/generator"
	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/resultlog"
	"github.com/atinyakov/secretsync/internal/transport/httpsync"
)

const helpText = `Available commands:
  help                                   show this text
  list                                   show the secret tree
  add <path>                             create a secret, the value is read without echo
  get <path|id>                          print a secret's value
  edit <path|id> [new-name]              replace the value (empty keeps it) and rename
  delete <path|id>                       delete a secret and everything below it
  move <path|id> <parent>                move a secret under another one
  generate <path|id> [min] [max]         store a generated password in a secret
  profiles                               list sync profiles
  profile-add <name> <url> [--stored] [--remote <name>]
  profile-edit <name> [--name <new>] [--url <url>] [--remote <name>] [--stored|--prompt]
  profile-rm <name>                      forget a sync profile
  register <url> <login>                 create an account and fetch a client certificate
  sync [name] [--prompt]                 sync one profile, or all of them; Ctrl-C aborts
  sync-all [--prompt]                    sync every profile
  abort [name]                           abort one or every running sync
  status                                 show sync states
  log [name]                             show sync results, optionally of one profile
  export <file>                          write the tree to a JSON file with plain text values
  import <file>                          merge a JSON file written by export
  save                                   write the database
  exit                                   save and quit
`

var errUsage = errors.New("usage")

// shell is the interactive command loop over an open session.
type shell struct {
	sess    *session.Session
	console *prompt.Console
	certDir string
	fg      *foreground
}

type command func(ctx context.Context, args []string) error

func (s *shell) commands() map[string]command {
	return map[string]command{
		"help":         s.help,
		"list":         s.list,
		"add":          s.add,
		"get":          s.get,
		"edit":         s.edit,
		"delete":       s.delete,
		"move":         s.move,
		"generate":     s.generate,
		"profiles":     s.profiles,
		"profile-add":  s.profileAdd,
		"profile-edit": s.profileEdit,
		"profile-rm":   s.profileRemove,
		"register":     s.register,
		"sync":         s.sync,
		"sync-all":     s.syncAll,
		"abort":        s.abort,
		"status":       s.status,
		"log":          s.log,
		"save":         s.save,
		"export":       s.exportTree,
		"import":       s.importTree,
	}
}

// run reads commands until exit, the end of input or ctx is done.
func (s *shell) run(ctx context.Context) error {
	cmds := s.commands()
	for {
		line, err := s.console.ReadLine(ctx, "secretsync> ")
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			s.console.Printf("Bye\n")
			return nil
		}
		cmd, ok := cmds[args[0]]
		if !ok {
			s.console.Printf("Unknown command. Type 'help' for a list of commands.\n")
			continue
		}
		cmdCtx, end := s.fg.begin(ctx)
		err = cmd(cmdCtx, args[1:])
		interrupted := cmdCtx.Err() != nil && ctx.Err() == nil
		end()
		if err != nil {
			if interrupted {
				s.console.Printf("Interrupted\n")
				continue
			}
			if errors.Is(err, errUsage) {
				s.console.Printf("Usage: %s\n", usage(args[0]))
				continue
			}
			s.console.Printf("error: %v\n", err)
		}
	}
}

func usage(name string) string {
	for _, line := range strings.Split(helpText, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "  "); i > 0 {
			line = line[:i]
		}
		if fields := strings.Fields(line); len(fields) > 0 && fields[0] == name {
			return line
		}
	}
	return name
}

func (s *shell) help(context.Context, []string) error {
	s.console.Printf("%s", helpText)
	return nil
}

func (s *shell) list(context.Context, []string) error {
	for path, n := range s.sess.Tree.Walk() {
		marker := ""
		if !n.Value.IsEmpty() {
			marker = " *"
		}
		s.console.Printf("%s%s  (%s)\n", path, marker, n.ID)
	}
	return nil
}

func (s *shell) add(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	dir, name := splitPath(args[0])
	parent, err := s.sess.Secrets.Resolve(dir)
	if err != nil {
		return fmt.Errorf("parent %q: %w", dir, err)
	}
	value, err := s.console.ReadSecret(ctx, "Value (empty for none): ")
	if err != nil {
		return err
	}
	n, err := s.sess.Secrets.Create(parent.ID, name, []byte(value))
	if err != nil {
		return err
	}
	s.console.Printf("Secret created: %s\n", n.ID)
	return nil
}

func (s *shell) get(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	n, err := s.sess.Secrets.Resolve(args[0])
	if err != nil {
		return err
	}
	path, err := s.sess.Tree.Path(n.ID)
	if err != nil {
		return err
	}
	plain, err := s.sess.Secrets.Reveal(n.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	s.console.Printf("%s\n%s\n", path, plain)
	return nil
}

func (s *shell) edit(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	n, err := s.sess.Secrets.Resolve(args[0])
	if err != nil {
		return err
	}
	value, err := s.console.ReadSecret(ctx, "New value (empty keeps it): ")
	if err != nil {
		return err
	}
	if value != "" {
		if _, err := s.sess.Secrets.SetValue(n.ID, []byte(value)); err != nil {
			return err
		}
	}
	if len(args) == 2 {
		if _, err := s.sess.Secrets.Rename(n.ID, args[1]); err != nil {
			return err
		}
	}
	s.console.Printf("Secret updated\n")
	return nil
}

func (s *shell) delete(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	n, err := s.sess.Secrets.Resolve(args[0])
	if err != nil {
		return err
	}
	if err := s.sess.Secrets.Delete(n.ID); err != nil {
		return err
	}
	s.console.Printf("Secret deleted\n")
	return nil
}

func (s *shell) move(_ context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	n, err := s.sess.Secrets.Resolve(args[0])
	if err != nil {
		return err
	}
	parent, err := s.sess.Secrets.Resolve(args[1])
	if err != nil {
		return fmt.Errorf("parent %q: %w", args[1], err)
	}
	if _, err := s.sess.Secrets.Move(n.ID, parent.ID); err != nil {
		return err
	}
	s.console.Printf("Secret moved\n")
	return nil
}

func (s *shell) generate(_ context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errUsage
	}
	n, err := s.sess.Secrets.Resolve(args[0])
	if err != nil {
		return err
	}
	opts := generator.DefaultOptions()
	for i, dst := range []*int{&opts.MinLength, &opts.MaxLength} {
		if len(args) > i+1 {
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return errUsage
			}
			*dst = v
		}
	}
	if len(args) == 2 && opts.MaxLength < opts.MinLength {
		opts.MaxLength = opts.MinLength
	}
	value, err := s.sess.Secrets.Generate(n.ID, opts)
	if err != nil {
		return err
	}
	s.console.Printf("%s\n", value)
	return nil
}

func (s *shell) profiles(context.Context, []string) error {
	list := s.sess.Profiles.List()
	if len(list) == 0 {
		s.console.Printf("No sync profiles\n")
		return nil
	}
	for _, p := range list {
		synced := "never"
		if !p.LastSyncedAt.IsZero() {
			synced = p.LastSyncedAt.Local().Format(time.DateTime)
		}
		s.console.Printf("%s  %s  auth=%s  remote=%s  last sync: %s\n",
			p.Name, p.HostAddress, p.AuthMode, p.RemotePath, synced)
	}
	return nil
}

func (s *shell) profileAdd(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	p := models.SyncProfile{Name: args[0], HostAddress: args[1], AuthMode: models.AuthPrompt}
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "--stored":
			p.AuthMode = models.AuthStored
		case "--remote":
			if i+1 >= len(args) {
				return errUsage
			}
			i++
			p.RemotePath = args[i]
		default:
			return errUsage
		}
	}

	var cred *session.Credential
	if p.AuthMode == models.AuthStored {
		c, err := s.readCredential(ctx)
		if err != nil {
			return err
		}
		cred = &c
	}
	added, err := s.sess.AddProfile(p, cred)
	if err != nil {
		return err
	}
	s.console.Printf("Profile %q added\n", added.Name)
	return nil
}

// readCredential asks for the credential of a stored auth profile.
func (s *shell) readCredential(ctx context.Context) (session.Credential, error) {
	cred := session.Credential{CertDir: s.certDir}
	user, err := s.console.ReadLine(ctx, "Username (empty for certificate): ")
	if err != nil {
		return cred, err
	}
	cred.Username = strings.TrimSpace(user)
	if cred.Username == "" {
		if _, ok := httpsync.CertificateCredentials(s.certDir); !ok {
			return cred, fmt.Errorf("no client certificate in %s", s.certDir)
		}
		return cred, nil
	}
	if cred.Password, err = s.console.ReadSecret(ctx, "Password: "); err != nil {
		return cred, err
	}
	return cred, nil
}

func (s *shell) profileEdit(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	p, err := s.sess.Profiles.FindByName(args[0])
	if err != nil {
		return err
	}
	wasStored := p.AuthMode == models.AuthStored
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--stored":
			p.AuthMode = models.AuthStored
		case "--prompt":
			p.AuthMode = models.AuthPrompt
		case "--name", "--url", "--remote":
			if i+1 >= len(args) {
				return errUsage
			}
			switch args[i] {
			case "--name":
				p.Name = args[i+1]
			case "--url":
				p.HostAddress = args[i+1]
			default:
				p.RemotePath = args[i+1]
			}
			i++
		default:
			return errUsage
		}
	}

	var cred *session.Credential
	if p.AuthMode == models.AuthStored && !wasStored {
		c, err := s.readCredential(ctx)
		if err != nil {
			return err
		}
		cred = &c
	}
	updated, err := s.sess.UpdateProfile(p, cred)
	if err != nil {
		return err
	}
	s.console.Printf("Profile %q updated\n", updated.Name)
	return nil
}

func (s *shell) profileRemove(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	p, err := s.sess.Profiles.FindByName(args[0])
	if err != nil {
		return err
	}
	if err := s.sess.RemoveProfile(p.ID); err != nil {
		return err
	}
	s.console.Printf("Profile %q removed\n", p.Name)
	return nil
}

func (s *shell) register(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	password, err := s.console.ReadSecret(ctx, "Password: ")
	if err != nil {
		return err
	}
	if err := httpsync.Register(ctx, args[0], args[1], password, httpsync.CAFile(s.certDir), s.certDir); err != nil {
		return err
	}
	s.console.Printf("Registered; certificate saved in %s\n", s.certDir)
	return nil
}

func splitFlag(args []string, flag string) ([]string, bool) {
	out := args[:0:0]
	found := false
	for _, a := range args {
		if a == flag {
			found = true
			continue
		}
		out = append(out, a)
	}
	return out, found
}

func (s *shell) sync(ctx context.Context, args []string) error {
	args, promptForAuth := splitFlag(args, "--prompt")
	switch len(args) {
	case 0:
		if promptForAuth {
			return s.syncAll(ctx, []string{"--prompt"})
		}
		return s.syncAll(ctx, nil)
	case 1:
	default:
		return errUsage
	}
	p, err := s.sess.Profiles.FindByName(args[0])
	if err != nil {
		return err
	}
	run, err := s.sess.Engine.Sync(ctx, p.ID, promptForAuth)
	if err != nil {
		return err
	}
	// The run observes ctx itself, so an interrupt ends it as aborted.
	res, _ := run.Wait(context.Background())
	s.printResult(p.Name, res)
	return nil
}

func (s *shell) syncAll(ctx context.Context, args []string) error {
	args, promptForAuth := splitFlag(args, "--prompt")
	if len(args) != 0 {
		return errUsage
	}
	results := s.sess.Engine.SyncAll(ctx, promptForAuth)
	if len(results) == 0 {
		s.console.Printf("Nothing to sync\n")
	}
	for _, r := range results {
		name := r.ProfileID
		if p, err := s.sess.Profiles.Get(r.ProfileID); err == nil {
			name = p.Name
		}
		s.printResult(name, r)
	}
	return nil
}

func (s *shell) printResult(name string, r models.SyncResult) {
	s.console.Printf("%s: %s", name, r.Outcome)
	if r.Outcome == models.OutcomeFailed {
		s.console.Printf(": %s\n", r.ErrorMessage)
		return
	}
	s.console.Printf(" (local %d, remote %d)\n", r.LocalChanges, r.RemoteChanges)
}

func (s *shell) abort(_ context.Context, args []string) error {
	switch len(args) {
	case 0:
		s.sess.Engine.AbortAll()
		s.console.Printf("Abort requested\n")
		return nil
	case 1:
	default:
		return errUsage
	}
	p, err := s.sess.Profiles.FindByName(args[0])
	if err != nil {
		return err
	}
	if !s.sess.Engine.Abort(p.ID) {
		s.console.Printf("%s is not syncing\n", p.Name)
		return nil
	}
	s.console.Printf("Abort requested\n")
	return nil
}

func (s *shell) status(context.Context, []string) error {
	for _, p := range s.sess.Profiles.List() {
		s.console.Printf("%s: %s\n", p.Name, s.sess.Engine.State(p.ID))
	}
	s.console.Printf("syncing: %t, unsaved changes: %t\n", s.sess.Engine.IsSyncing(), s.sess.Tree.Dirty())
	s.console.Printf("nodes: %d, pending deletions: %d, results: %d, dropped events: %d\n",
		s.sess.Tree.Len(), len(s.sess.Tree.Tombstones()), s.sess.Results.Len(), s.sess.Events.Dropped())
	return nil
}

func (s *shell) log(_ context.Context, args []string) error {
	var text string
	switch len(args) {
	case 0:
		text = s.sess.Results.AsText()
	case 1:
		p, err := s.sess.Profiles.FindByName(args[0])
		if err != nil {
			return err
		}
		text = resultlog.Format(s.sess.Results.ForProfile(p.ID))
	default:
		return errUsage
	}
	if text == "" {
		text = "No sync results\n"
	}
	s.console.Printf("%s", text)
	return nil
}

func (s *shell) save(context.Context, []string) error {
	if err := s.sess.Save(); err != nil {
		return err
	}
	s.console.Printf("Saved %s\n", s.sess.Path())
	return nil
}

func (s *shell) exportTree(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := s.sess.Export(args[0]); err != nil {
		return err
	}
	s.console.Printf("Exported to %s; values are stored in plain text\n", args[0])
	return nil
}

func (s *shell) importTree(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	res, err := s.sess.Import(args[0])
	if err != nil {
		return err
	}
	s.console.Printf("Imported %s (%d local changes)\n", args[0], res.LocalChanges)
	for _, line := range res.Log {
		s.console.Printf("  %s\n", line)
	}
	return nil
}

// splitPath splits "/a/b/name" into "/a/b" and "name".
func splitPath(p string) (dir, name string) {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/", p
	}
	dir = p[:i]
	if dir == "" {
		dir = "/"
	}
	return dir, p[i+1:]
}
