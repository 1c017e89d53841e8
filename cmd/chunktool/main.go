// chunktool просматривает сохранённые чанки и переносит их между хранилищами.
//
//	chunktool list    -store region:world
//	chunktool inspect -store badger:data -x 0 -z -1
//	chunktool convert -from region:world -to sqlite:backup
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/storage"
	"github.com/annel0/blockcore/internal/world"
)

const usage = `использование: chunktool <команда> [флаги]

команды:
  list     перечислить сохранённые чанки
  inspect  показать содержимое чанка
  convert  скопировать все чанки в другое хранилище

хранилище задаётся как backend:путь, например region:world,
badger:data, sqlite:data, mysql:user:pass@tcp(db)/blockcore,
mongo:mongodb://localhost:27017, memory:
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "list":
		return list(ctx, args, out)
	case "inspect":
		return inspect(ctx, args, out)
	case "convert":
		return convert(ctx, args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("неизвестная команда %q", cmd)
	}
}

// parseStore разбирает строку backend:путь
func parseStore(s string) (storage.Config, error) {
	backend, rest, _ := strings.Cut(s, ":")
	cfg := storage.Config{Backend: strings.ToLower(backend)}
	switch cfg.Backend {
	case "memory":
	case "badger", "region", "sqlite":
		if rest == "" {
			return cfg, fmt.Errorf("%s: не задан путь", backend)
		}
		cfg.Path = rest
	case "mysql":
		cfg.DSN = rest
	case "mongo":
		cfg.Mongo = storage.MongoConfig{URI: rest, Database: "blockcore", Collection: "chunks"}
	default:
		return cfg, fmt.Errorf("неизвестное хранилище %q", backend)
	}
	return cfg, nil
}

func openStore(ctx context.Context, store string) (storage.Backend, error) {
	if store == "" {
		return nil, errors.New("не задано хранилище")
	}
	cfg, err := parseStore(store)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, cfg, logging.NewNop())
}

func sortCoords(coords []world.ChunkCoord) {
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].X != coords[j].X {
			return coords[i].X < coords[j].X
		}
		return coords[i].Z < coords[j].Z
	})
}

func list(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	store := fs.String("store", "", "хранилище backend:путь")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := openStore(ctx, *store)
	if err != nil {
		return err
	}
	defer b.Close()

	coords, err := b.Coords(ctx)
	if err != nil {
		return err
	}
	sortCoords(coords)
	for _, c := range coords {
		fmt.Fprintf(out, "%d %d\n", c.X, c.Z)
	}
	fmt.Fprintf(out, "всего: %d\n", len(coords))
	return nil
}

func inspect(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	store := fs.String("store", "", "хранилище backend:путь")
	x := fs.Int("x", 0, "X чанка")
	z := fs.Int("z", 0, "Z чанка")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := openStore(ctx, *store)
	if err != nil {
		return err
	}
	defer b.Close()

	coord := world.ChunkCoord{X: int32(*x), Z: int32(*z)}
	c, err := b.LoadChunk(ctx, coord)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("чанк %s не сохранён", coord)
	}

	fmt.Fprintf(out, "чанк %s\n", coord)
	fmt.Fprintf(out, "секции: %016b\n", c.SectionMask())

	counts := make(map[uint16]int)
	for sy := 0; sy < world.SectionCount; sy++ {
		s := c.Section(sy)
		if s == nil {
			continue
		}
		for _, id := range s {
			if id != 0 {
				counts[id]++
			}
		}
	}
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "блок %d: %d\n", id, counts[uint16(id)])
	}
	fmt.Fprintf(out, "высота в центре: %d\n", c.HighestBlock(world.ChunkSize/2, world.ChunkSize/2))
	return nil
}

func convert(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	from := fs.String("from", "", "исходное хранилище backend:путь")
	to := fs.String("to", "", "целевое хранилище backend:путь")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == *to {
		return errors.New("исходное и целевое хранилища совпадают")
	}

	src, err := openStore(ctx, *from)
	if err != nil {
		return fmt.Errorf("источник: %w", err)
	}
	defer src.Close()

	dst, err := openStore(ctx, *to)
	if err != nil {
		return fmt.Errorf("приёмник: %w", err)
	}
	defer dst.Close()

	started := time.Now()
	n, err := storage.Copy(ctx, dst, src)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "перенесено чанков: %d за %v\n", n, time.Since(started).Round(time.Millisecond))
	return nil
}
