package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	sb "github.com/t7a/snapback"
	"gopkg.in/yaml.v3"
)

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	logrus.SetReportCaller(true)
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number`. e.g. `/internal/app/api.go:25`
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, p), f.Line, sb.GetGID())
	}
}

// exit codes, one per failure category
const (
	exOK       = 0
	exOther    = 1
	exUsage    = 2
	exIO       = 3
	exMissing  = 4
	exMismatch = 5
	exPartial  = 6
)

type Opts struct {
	Init    bool
	Backup  bool
	Restore bool
	Verify  bool
	Diff    bool
	Ls      bool
	Prune   bool
	Gc      bool
	Stats   bool
	Export  bool
	Watch   bool

	Source   string   `docopt:"<source>"`
	Snapshot string   `docopt:"<snapshot>"`
	Old      string   `docopt:"<old>"`
	New      string   `docopt:"<new>"`
	Format   string   `docopt:"<format>"`
	Paths    []string `docopt:"<path>"`
	Profile  string   `docopt:"--profile"`
	To       string   `docopt:"--to"`
	Out      string   `docopt:"-o"`
	Tree     string   `docopt:"--tree"`
	Fast     bool     `docopt:"--fast"`
	DryRun   bool     `docopt:"--dry-run"`
	Quiet    bool     `docopt:"-q"`
}

// Profile is one named backup configuration in profiles.yaml.
type Profile struct {
	Source  string   `yaml:"source"`
	Ignore  []string `yaml:"ignore"`
	Fast    bool     `yaml:"fast"`
	Archive string   `yaml:"archive"`
}

func main() {
	os.Exit(run())
}

func run() (rc int) {
	usage := `snapback

Usage:
  sb init
  sb backup [--profile <name>] [--fast] [--dry-run] [-q] [<source>]
  sb restore <snapshot> [--to <dir>] [--dry-run] [<path>...]
  sb verify <snapshot> [--tree <dir>]
  sb diff <old> <new>
  sb ls [<snapshot>]
  sb prune <snapshot>
  sb gc
  sb stats
  sb export <snapshot> <format> [-o <filename>]
  sb watch [--profile <name>] [--fast] [<source>]

Options:
  -h --help         Show this screen.
  --version         Show version.
  --profile <name>  Use a profile from profiles.yaml.
  --to <dir>        Restore destination [default: .]
  --tree <dir>      Verify a restored tree instead of the store.
  --dry-run         Validate without writing.
  --fast            Trust size+mtime for unchanged files.
  -o <filename>     Write archive to file instead of stdout.
  -q                Quiet; suppress the run summary.

The store directory comes from $SB_STORE, or the current directory.
`
	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.1")
	var opts Opts
	err := o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return exUsage
	}
	log.Debug(opts)

	switch true {
	case opts.Init:
		return cmdInit()
	case opts.Backup:
		return cmdBackup(&opts, false)
	case opts.Restore:
		return cmdRestore(&opts)
	case opts.Verify:
		return cmdVerify(&opts)
	case opts.Diff:
		return cmdDiff(&opts)
	case opts.Ls:
		return cmdLs(&opts)
	case opts.Prune:
		return cmdPrune(&opts)
	case opts.Gc:
		return cmdGc()
	case opts.Stats:
		return cmdStats()
	case opts.Export:
		return cmdExport(&opts)
	case opts.Watch:
		return cmdBackup(&opts, true)
	}
	return exUsage
}

func storeDir() (dir string) {
	dir = os.Getenv("SB_STORE")
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			panic("can't get current directory")
		}
	}
	return
}

func openStore() (store *sb.Store, err error) {
	return sb.Open(storeDir())
}

func cmdInit() (rc int) {
	store, err := sb.Create(storeDir(), nil)
	if err != nil {
		log.Error(err)
		return exIO
	}
	fmt.Printf("Initialized empty store in %s\n", store.Dir)
	return exOK
}

// loadProfiles reads $SB_PROFILES, or profiles.yaml in the store dir.
func loadProfiles() (profiles map[string]*Profile, err error) {
	fn := os.Getenv("SB_PROFILES")
	if fn == "" {
		fn = filepath.Join(storeDir(), "profiles.yaml")
	}
	buf, err := os.ReadFile(fn)
	if err != nil {
		return
	}
	profiles = make(map[string]*Profile)
	err = yaml.Unmarshal(buf, &profiles)
	return
}

// ignoreFunc compiles glob patterns into the engine's predicate.  A
// pattern matches either the entry's base name (the common case:
// "*.tmp", ".git") or its whole relative path ("models/cache").
func ignoreFunc(patterns []string) sb.IgnoreFunc {
	return func(rel string) bool {
		base := path.Base(filepath.ToSlash(rel))
		for _, pat := range patterns {
			if ok, _ := path.Match(pat, base); ok {
				return true
			}
			if ok, _ := path.Match(pat, filepath.ToSlash(rel)); ok {
				return true
			}
		}
		return false
	}
}

func resolveProfile(opts *Opts) (prof *Profile, rc int) {
	prof = &Profile{Source: opts.Source, Fast: opts.Fast}
	if opts.Profile == "" {
		if prof.Source == "" {
			log.Error("need a source dir or --profile")
			return nil, exUsage
		}
		return prof, exOK
	}
	profiles, err := loadProfiles()
	if err != nil {
		log.Error(err)
		return nil, exIO
	}
	p, ok := profiles[opts.Profile]
	if !ok {
		log.Errorf("no such profile: %s", opts.Profile)
		return nil, exUsage
	}
	p.Fast = p.Fast || opts.Fast
	return p, exOK
}

func cmdBackup(opts *Opts, watch bool) (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	prof, rc := resolveProfile(opts)
	if rc != exOK {
		return rc
	}
	bopts := &sb.BackupOpts{
		Source: prof.Source,
		Ignore: ignoreFunc(prof.Ignore),
		Fast:   prof.Fast || store.FastPath,
		DryRun: opts.DryRun,
	}

	if watch {
		werr := store.Watch(&sb.WatchOpts{
			BackupOpts: *bopts,
			OnRun: func(sum *sb.Summary, err error) {
				if err != nil {
					log.Error(err)
					return
				}
				printSummary(sum, opts.Quiet)
			},
		})
		if werr != nil {
			log.Error(werr)
			return exOther
		}
		return exOK
	}

	_, sum, err := store.Backup(bopts)
	if err != nil {
		log.Error(err)
		var perr *sb.PartialRunError
		if errors.As(err, &perr) {
			return exPartial
		}
		return exIO
	}
	printSummary(sum, opts.Quiet)
	if sum.Errored > 0 {
		return exIO
	}
	return exOK
}

func printSummary(sum *sb.Summary, quiet bool) {
	if quiet {
		return
	}
	if sum.SnapshotId != "" {
		fmt.Printf("snapshot %s\n", sum.SnapshotId)
	}
	fmt.Printf("added: %d\nmodified: %d\nremoved: %d\nunchanged: %d\nerrored: %d\n",
		sum.Added, sum.Modified, sum.Removed, sum.Unchanged, sum.Errored)
}

func cmdRestore(opts *Opts) (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	m, err := store.LoadManifest(opts.Snapshot)
	if err != nil {
		log.Error(err)
		return exIO
	}
	res, err := store.Restore(m, &sb.RestoreOpts{
		To:     opts.To,
		Paths:  opts.Paths,
		DryRun: opts.DryRun,
	})
	if err != nil {
		log.Error(err)
		return exIO
	}
	fmt.Printf("restored: %d\n", res.Restored)
	if len(res.Errors) > 0 {
		for _, fe := range res.Errors {
			fmt.Fprintf(os.Stderr, "error: %v\n", fe)
		}
		var merr *sb.MissingChunkError
		for _, fe := range res.Errors {
			if errors.As(fe.Err, &merr) {
				return exMissing
			}
		}
		return exIO
	}
	return exOK
}

func cmdVerify(opts *Opts) (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	m, err := store.LoadManifest(opts.Snapshot)
	if err != nil {
		log.Error(err)
		return exIO
	}
	var results []sb.VerifyResult
	var ok bool
	if opts.Tree != "" {
		results, ok, err = sb.VerifyTree(m, opts.Tree)
	} else {
		results, ok, err = store.VerifySnapshot(m)
	}
	if err != nil {
		log.Error(err)
		return exIO
	}
	for _, res := range results {
		if res.Status != sb.Verified {
			fmt.Println(res)
		}
	}
	if !ok {
		return exMismatch
	}
	fmt.Printf("verified %d files\n", len(results))
	return exOK
}

func cmdDiff(opts *Opts) (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	old, err := store.LoadManifest(opts.Old)
	if err != nil {
		log.Error(err)
		return exIO
	}
	new, err := store.LoadManifest(opts.New)
	if err != nil {
		log.Error(err)
		return exIO
	}
	plan := sb.Diff(old, new)
	for _, p := range plan.Added {
		fmt.Printf("A %s\n", p)
	}
	for _, p := range plan.Modified {
		fmt.Printf("M %s\n", p)
	}
	for _, p := range plan.Removed {
		fmt.Printf("R %s\n", p)
	}
	return exOK
}

func cmdLs(opts *Opts) (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	if opts.Snapshot == "" {
		ids, err := store.ListManifests()
		if err != nil {
			log.Error(err)
			return exIO
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return exOK
	}
	m, err := store.LoadManifest(opts.Snapshot)
	if err != nil {
		log.Error(err)
		return exIO
	}
	err = store.Export(m, func(hdr sb.ExportHeader, _ io.Reader) error {
		fmt.Printf("%s %10d %s\n", hdr.Kind[:1], hdr.Size, hdr.Path)
		return nil
	})
	if err != nil {
		log.Error(err)
		return exIO
	}
	return exOK
}

func cmdPrune(opts *Opts) (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	err = store.Prune(opts.Snapshot)
	if err != nil {
		log.Error(err)
		return exIO
	}
	fmt.Printf("pruned %s\n", opts.Snapshot)
	return exOK
}

func cmdGc() (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	removed, err := store.Collect()
	if err != nil {
		log.Error(err)
		return exIO
	}
	fmt.Printf("collected %d chunks\n", len(removed))
	return exOK
}

func cmdStats() (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	st, err := store.Stats()
	if err != nil {
		log.Error(err)
		return exIO
	}
	fmt.Printf("snapshots: %d\nchunks: %d\nbytes: %d\nunreferenced: %d\n",
		st.Snapshots, st.Chunks, st.Bytes, st.Unreferenced)
	return exOK
}

func cmdExport(opts *Opts) (rc int) {
	store, err := openStore()
	if err != nil {
		log.Error(err)
		return exIO
	}
	m, err := store.LoadManifest(opts.Snapshot)
	if err != nil {
		log.Error(err)
		return exIO
	}
	w := os.Stdout
	if opts.Out != "" {
		w, err = os.Create(opts.Out)
		if err != nil {
			log.Error(err)
			return exIO
		}
		defer w.Close()
	}
	err = store.WriteArchive(w, opts.Format, m)
	if err != nil {
		log.Error(err)
		var merr *sb.MissingChunkError
		if errors.As(err, &merr) {
			return exMissing
		}
		return exIO
	}
	return exOK
}
