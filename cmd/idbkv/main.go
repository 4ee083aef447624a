package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andreyvit/idbkv"
	"github.com/andreyvit/idbkv/engine"
	"github.com/andreyvit/idbkv/todo"
)

type cli struct {
	Dir     string `short:"d" env:"IDBKV_DIR" default:"." help:"Directory holding the database files."`
	Name    string `short:"n" env:"IDBKV_NAME" default:"todos-vanillajs" help:"Database name."`
	Memory  bool   `help:"Use a transient in-memory database."`
	Verbose bool   `short:"v" help:"Log every database operation."`

	Populate cmdPopulate `cmd:"" help:"Fill the search store with generated records."`
	Count    cmdCount    `cmd:"" help:"Show todo counts."`
	List     cmdList     `cmd:"" help:"List todos."`
	Add      cmdAdd      `cmd:"" help:"Add a todo."`
	Toggle   cmdToggle   `cmd:"" help:"Toggle a todo between active and completed."`
	Remove   cmdRemove   `cmd:"" help:"Remove a todo."`
	Drop     cmdDrop     `cmd:"" help:"Remove all todos."`
	Delete   cmdDelete   `cmd:"" help:"Delete the whole database."`
}

type cmdPopulate struct {
	Count int `default:"100000" help:"Number of records the search store should hold."`
	Batch int `default:"2000" help:"Records per transaction."`
}

type cmdCount struct{}

type cmdList struct {
	Active    bool `xor:"state" help:"Only active todos."`
	Completed bool `xor:"state" help:"Only completed todos."`
}

type cmdAdd struct {
	Title string `arg:"" help:"Todo title."`
}

type cmdToggle struct {
	ID int64 `arg:"" help:"Todo ID."`
}

type cmdRemove struct {
	ID int64 `arg:"" help:"Todo ID."`
}

type cmdDrop struct{}

type cmdDelete struct{}

// env is passed to every command's Run method.
type env struct {
	ctx    context.Context
	store  *idbkv.Store
	model  *todo.Model
	stdout io.Writer
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("idbkv"),
		kong.Description("Inspect and edit a todo list database."),
		kong.UsageOnError(),
	)

	logger := newLogger(c.Verbose)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, kctx, &c, logger, os.Stdout)
	kctx.FatalIfErrorf(err)
}

func newLogger(verbose bool) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		level.SetLevel(zap.DebugLevel)
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		level,
	))
}

func run(ctx context.Context, kctx *kong.Context, c *cli, logger *zap.Logger, stdout io.Writer) error {
	f, err := engine.NewFactory(engine.Options{
		Dir:      c.Dir,
		InMemory: c.Memory,
		Logger:   logger,
		Verbose:  c.Verbose,
	})
	if err != nil {
		return err
	}
	defer f.Close()

	store := idbkv.NewStore(f, c.Name, idbkv.StoreOptions{})
	e := &env{ctx: ctx, store: store, model: todo.New(store), stdout: stdout}
	if kctx.Command() != "delete" {
		if err := store.Open(ctx, idbkv.OpenOptions{}); err != nil {
			return err
		}
		defer store.CloseDatabase()
	}
	return kctx.Run(e)
}

func (cmd *cmdPopulate) Run(e *env) error {
	if err := e.store.Populate(e.ctx, cmd.Count, cmd.Batch); err != nil {
		return err
	}
	counts, err := e.store.CountIn(e.ctx, idbkv.DefaultSearchStore, []idbkv.Query{{}})
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "search store has %d records\n", counts[0])
	return nil
}

func (cmd *cmdCount) Run(e *env) error {
	c, err := e.model.Count(e.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "active: %d\ncompleted: %d\ntotal: %d\n", c.Active, c.Completed, c.Total)
	return nil
}

func (cmd *cmdList) Run(e *env) error {
	var query any
	if cmd.Active || cmd.Completed {
		query = map[string]any{"completed": cmd.Completed}
	}
	items, err := e.model.Read(e.ctx, query)
	if err != nil {
		return err
	}
	for _, item := range items {
		mark := " "
		if item.Completed {
			mark = "x"
		}
		fmt.Fprintf(e.stdout, "%4d [%s] %s\n", item.ID, mark, item.Title)
	}
	return nil
}

func (cmd *cmdAdd) Run(e *env) error {
	item, err := e.model.Create(e.ctx, cmd.Title)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, strconv.FormatInt(item.ID, 10))
	return nil
}

func (cmd *cmdToggle) Run(e *env) error {
	item, err := e.model.Toggle(e.ctx, cmd.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%d completed=%v\n", item.ID, item.Completed)
	return nil
}

func (cmd *cmdRemove) Run(e *env) error {
	return e.model.Remove(e.ctx, cmd.ID)
}

func (cmd *cmdDrop) Run(e *env) error {
	return e.model.RemoveAll(e.ctx)
}

func (cmd *cmdDelete) Run(e *env) error {
	return e.store.DeleteDatabase(e.ctx)
}
