package main

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/db"
	"github.com/t7a/caskade/record"
)

const usage = `cask

Usage:
  cask [-d <dir>] init [--algo=<algo>] [--max-cask-size=<size>] [--checkpoint-size=<size>] [--validate]
  cask [-d <dir>] put [<type>]
  cask [-d <dir>] putstream
  cask [-d <dir>] get [-o <filename>] <cake>
  cask [-d <dir>] newalias
  cask [-d <dir>] link <cake> <alias>
  cask [-d <dir>] resolve <alias>
  cask [-d <dir>] tag <cake> <tagspec>...
  cask [-d <dir>] tags <cake>
  cask [-d <dir>] derive <cake> <filter> <output>
  cask [-d <dir>] derived <cake> <filter>
  cask [-d <dir>] checkpoint
  cask [-d <dir>] recover [--quiet=<duration>]
  cask [-d <dir>] close
  cask [-d <dir>] ls
  cask [-d <dir>] stat
  cask [-d <dir>] verify

Options:
  -h --help                  Show this screen.
  --version                  Show version.
  -d <dir>                   Caskade directory; defaults to $CASKDIR or the current directory.
  -o <filename>              Write content to filename instead of stdout.
  --algo=<algo>              Digest algorithm, sha256 or blake3.
  --max-cask-size=<size>     Roll over to a new cask at this size, e.g. 64MiB.
  --checkpoint-size=<size>   Checkpoint after this many bytes, e.g. 1MiB.
  --validate                 Rehash every payload when opening.
  --quiet=<duration>         How long the cask must stay unchanged before recovery [default: 0s].
`

type Opts struct {
	Dir            string `docopt:"-d"`
	Init           bool
	Algo           string
	MaxCaskSize    string
	CheckpointSize string
	Validate       bool
	Put            bool
	Type           string
	Putstream      bool
	Get            bool
	Filename       string `docopt:"-o"`
	Cake           string
	Newalias       bool
	Link           bool
	Alias          string
	Resolve        bool
	Tag            bool
	Tagspec        []string
	Tags           bool
	Derive         bool
	Derived        bool
	Filter         string
	Output         string
	Checkpoint     bool
	Recover        bool
	Quiet          string
	Close          bool
	Ls             bool
	Stat           bool
	Verify         bool
}

var opts Opts

func init() {
	var debug string
	debug = os.Getenv("DEBUG")
	if debug == "1" {
		log.SetLevel(log.DebugLevel)
	}
	formatter := &log.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  "15:04:05.999999999",
		CallerPrettyfier: caller,
	}
	log.SetReportCaller(true)
	log.SetFormatter(formatter)
}

func caller(f *runtime.Frame) (function string, file string) {
	_, filename := path.Split(f.File)
	file = fmt.Sprintf("%04d %s:%d", getGID(), filename, f.Line)
	return
}

// getGID returns the current goroutine id for log lines.
func getGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

func main() {
	os.Exit(run())
}

func run() (rc int) {
	parser := &docopt.Parser{OptionsFirst: false}
	o, err := parser.ParseArgs(usage, os.Args[1:], "0.0")
	if err != nil {
		log.Error(err)
		return 2
	}
	opts = Opts{}
	err = o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 2
	}

	dir, err := caskdir()
	if err != nil {
		log.Error(err)
		return 42
	}

	switch true {
	case opts.Init:
		err = initCaskade(dir)
	case opts.Put:
		err = put(dir, opts.Type, os.Stdin)
	case opts.Putstream:
		err = putStream(dir, os.Stdin)
	case opts.Get:
		err = get(dir, opts.Cake, opts.Filename)
	case opts.Newalias:
		fmt.Println(cake.NewGuid(cake.Alias))
	case opts.Link:
		err = link(dir, opts.Cake, opts.Alias)
	case opts.Resolve:
		err = resolve(dir, opts.Alias)
	case opts.Tag:
		err = tag(dir, opts.Cake, opts.Tagspec)
	case opts.Tags:
		err = tags(dir, opts.Cake)
	case opts.Derive:
		err = derive(dir, opts.Cake, opts.Filter, opts.Output)
	case opts.Derived:
		err = derived(dir, opts.Cake, opts.Filter)
	case opts.Checkpoint:
		err = session(dir, func(c *db.Caskade) (err error) {
			_, err = c.Checkpoint()
			return
		})
	case opts.Recover:
		err = recoverCaskade(dir, opts.Quiet)
	case opts.Close:
		err = session(dir, func(c *db.Caskade) error {
			return c.Close()
		})
	case opts.Ls:
		err = ls(dir)
	case opts.Stat:
		err = stat(dir)
	case opts.Verify:
		err = verify(dir)
	default:
		log.Errorf("unhandled command: %v", os.Args[1:])
		return 2
	}
	if err != nil {
		log.Error(err)
		return 42
	}
	return 0
}

func caskdir() (dir string, err error) {
	dir = opts.Dir
	if dir == "" {
		dir = os.Getenv("CASKDIR")
	}
	if dir == "" {
		dir, err = os.Getwd()
	}
	return
}

// session opens the caskade, takes the writer, runs fn and lets the
// writer go again with a pause checkpoint.
func session(dir string, fn func(c *db.Caskade) error) (err error) {
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	switch c.State() {
	case db.Paused:
		err = c.Resume()
		if err != nil {
			return
		}
	case db.Unclean:
		return fmt.Errorf("%s was not shut down cleanly, run 'cask recover'", dir)
	}
	err = fn(c)
	if c.State() == db.Active {
		perr := c.Pause()
		if err == nil {
			err = perr
		}
	}
	return
}

func parseSize(s string) (n int64, err error) {
	if s == "" {
		return
	}
	size, err := humanize.ParseBytes(s)
	if err != nil {
		return
	}
	return int64(size), nil
}

func initCaskade(dir string) (err error) {
	defer Return(&err)
	cfg := db.Config{Algo: opts.Algo, ValidateOnOpen: opts.Validate}
	cfg.MaxCaskSize, err = parseSize(opts.MaxCaskSize)
	Ck(err)
	cfg.CheckpointSize, err = parseSize(opts.CheckpointSize)
	Ck(err)
	c, err := db.Initialize(dir, cfg)
	if err != nil {
		return
	}
	err = c.Pause()
	if err != nil {
		return
	}
	fmt.Printf("Initialized empty caskade in %s\n", dir)
	return
}

func put(dir, typ string, rd io.Reader) (err error) {
	t := cake.Data
	if typ != "" {
		t, err = cake.ParseType(typ)
		if err != nil {
			return
		}
	}
	buf, err := ioutil.ReadAll(rd)
	if err != nil {
		return
	}
	return session(dir, func(c *db.Caskade) (err error) {
		ck, err := c.WriteBytes(buf, t)
		if err != nil {
			return
		}
		fmt.Println(ck)
		return
	})
}

func putStream(dir string, rd io.Reader) (err error) {
	return session(dir, func(c *db.Caskade) (err error) {
		ck, err := c.WriteStream(rd)
		if err != nil {
			return
		}
		fmt.Println(ck)
		return
	})
}

func get(dir, s, fn string) (err error) {
	ck, err := cake.Parse(s)
	if err != nil {
		return
	}
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	rd, err := c.Reader(ck)
	if err != nil {
		return
	}
	var out io.Writer = os.Stdout
	if fn != "" {
		fh, err := os.Create(fn)
		if err != nil {
			return err
		}
		defer fh.Close()
		out = fh
	}
	_, err = io.Copy(out, rd)
	return
}

func link(dir, content, alias string) (err error) {
	src, err := cake.Parse(content)
	if err != nil {
		return
	}
	a, err := cake.Parse(alias)
	if err != nil {
		return
	}
	return session(dir, func(c *db.Caskade) (err error) {
		_, err = c.SetPermalink(src, a)
		return
	})
}

func resolve(dir, alias string) (err error) {
	a, err := cake.Parse(alias)
	if err != nil {
		return
	}
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	ck, ok := c.Resolve(a)
	if !ok {
		return &db.NotFoundError{Cake: a}
	}
	fmt.Println(ck)
	return
}

// parseTag turns words like `color blue shade=dark` into a tag: the
// first bare word is the name, the second the value, and key=value
// words become attributes.  Words may be quoted.
func parseTag(words []string) (tag record.TagInfo, err error) {
	parts, err := shlex.Split(strings.Join(words, " "))
	if err != nil {
		return
	}
	var bare []string
	for _, part := range parts {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 1 {
			bare = append(bare, part)
			continue
		}
		if tag.Attrs == nil {
			tag.Attrs = make(map[string]string)
		}
		tag.Attrs[kv[0]] = kv[1]
	}
	switch len(bare) {
	case 2:
		tag.Value = bare[1]
		fallthrough
	case 1:
		tag.Name = bare[0]
	default:
		err = fmt.Errorf("tag needs a name and at most one value: %q", parts)
	}
	return
}

func formatTag(tag record.TagInfo) string {
	words := []string{tag.Name}
	if tag.Value != "" {
		words = append(words, tag.Value)
	}
	var keys []string
	for k := range tag.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		words = append(words, fmt.Sprintf("%s=%s", k, tag.Attrs[k]))
	}
	return strings.Join(words, " ")
}

func tag(dir, subject string, words []string) (err error) {
	ck, err := cake.Parse(subject)
	if err != nil {
		return
	}
	t, err := parseTag(words)
	if err != nil {
		return
	}
	return session(dir, func(c *db.Caskade) error {
		return c.Tag(ck, t)
	})
}

func tags(dir, subject string) (err error) {
	ck, err := cake.Parse(subject)
	if err != nil {
		return
	}
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	for _, t := range c.Tags(ck) {
		fmt.Println(formatTag(t))
	}
	return
}

func derive(dir, src, filter, output string) (err error) {
	var cks [3]cake.Cake
	for i, s := range []string{src, filter, output} {
		cks[i], err = cake.Parse(s)
		if err != nil {
			return
		}
	}
	return session(dir, func(c *db.Caskade) error {
		return c.SaveDerived(cks[0], cks[1], cks[2])
	})
}

func derived(dir, src, filter string) (err error) {
	s, err := cake.Parse(src)
	if err != nil {
		return
	}
	f, err := cake.Parse(filter)
	if err != nil {
		return
	}
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	ck, ok := c.Derived(s, f)
	if !ok {
		return &db.NotFoundError{Cake: s}
	}
	fmt.Println(ck)
	return
}

func recoverCaskade(dir, quiet string) (err error) {
	d, err := time.ParseDuration(quiet)
	if err != nil {
		return
	}
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	findings, err := c.Recover(d)
	if err != nil {
		return
	}
	for _, f := range findings {
		fmt.Println(f)
	}
	fmt.Printf("recovered: %d invalid payloads\n", len(findings))
	if c.State() != db.Active {
		// an interrupted close was finished
		return
	}
	return c.Pause()
}

func ls(dir string) (err error) {
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	for _, id := range c.Casks() {
		cf, _ := c.Cask(id)
		size, err := cf.Size()
		if err != nil {
			return err
		}
		status := "active"
		if cf.Sealed() {
			status = "sealed"
		}
		fmt.Printf("%s %-6s %s\n", id, status, humanize.IBytes(uint64(size)))
	}
	return
}

func stat(dir string) (err error) {
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	var total int64
	ids := c.Casks()
	for _, id := range ids {
		cf, _ := c.Cask(id)
		size, err := cf.Size()
		if err != nil {
			return err
		}
		total += size
	}
	fmt.Printf("state: %s\n", c.State())
	fmt.Printf("casks: %d\n", len(ids))
	fmt.Printf("checkpoints: %d\n", len(c.Checkpoints()))
	fmt.Printf("size: %s\n", humanize.IBytes(uint64(total)))
	return
}

func verify(dir string) (err error) {
	c, err := db.Open(dir)
	if err != nil {
		return
	}
	findings, err := c.Verify()
	if err != nil {
		return
	}
	for _, f := range findings {
		fmt.Println(f)
	}
	fmt.Printf("verified %d casks: %d invalid payloads\n", len(c.Casks()), len(findings))
	if len(findings) > 0 {
		return fmt.Errorf("%d invalid payloads", len(findings))
	}
	return
}
