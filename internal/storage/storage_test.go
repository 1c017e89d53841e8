package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/protocol"
	"github.com/annel0/blockcore/internal/tag"
	"github.com/annel0/blockcore/internal/world"
	"github.com/annel0/blockcore/internal/worker"
)

func sampleChunk(t *testing.T, coord world.ChunkCoord) *world.Chunk {
	t.Helper()
	c := world.NewNoiseGenerator(7).Generate(coord)
	require.NoError(t, c.SetBlock(3, 200, 4, world.BlockSand))
	tag.Set(c, tag.New[string]("biome"), "plains")
	tag.Set(c, tag.New[int64]("inhabited"), int64(1200))
	tag.Set(c, tag.New[bool]("populated"), true)
	return c
}

func assertSameChunk(t *testing.T, want, got *world.Chunk) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Coord(), got.Coord())
	assert.Equal(t, want.SectionMask(), got.SectionMask())
	for i := 0; i < world.SectionCount; i++ {
		assert.Equal(t, want.Section(i), got.Section(i), "секция %d", i)
	}
	assert.Equal(t, "plains", tag.GetOrDefault(got, tag.New[string]("biome"), ""))
	assert.Equal(t, int64(1200), tag.GetOrDefault(got, tag.New[int64]("inhabited"), 0))
	assert.True(t, tag.Has(got, tag.New[bool]("populated")))
}

func TestCodecRoundTrip(t *testing.T) {
	codec := MustCodec()
	c := sampleChunk(t, world.ChunkCoord{X: -4, Z: 9})

	data, err := codec.Encode(c)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assertSameChunk(t, c, got)

	coord, err := codec.DecodeCoord(data)
	require.NoError(t, err)
	assert.Equal(t, c.Coord(), coord)
}

func TestCodecUniformSectionIsCompact(t *testing.T) {
	codec := MustCodec()
	c := world.NewChunk(world.ChunkCoord{})
	stone := new(world.Section)
	for i := range stone {
		stone[i] = world.BlockStone
	}
	require.NoError(t, c.SetSection(0, stone))

	data, err := codec.Encode(c)
	require.NoError(t, err)
	assert.Less(t, len(data), 64)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, world.BlockStone, got.Block(15, 15, 15))
}

func TestCodecRejectsCorruptData(t *testing.T) {
	codec := MustCodec()

	_, err := codec.Decode([]byte("not zstd"))
	assert.ErrorIs(t, err, ErrCorruptChunk)

	data, err := codec.Encode(sampleChunk(t, world.ChunkCoord{}))
	require.NoError(t, err)
	raw, err := codec.dec.DecodeAll(data, nil)
	require.NoError(t, err)

	truncated := codec.enc.EncodeAll(raw[:len(raw)/2], nil)
	_, err = codec.Decode(truncated)
	assert.ErrorIs(t, err, ErrCorruptChunk)

	raw[0] = 99
	_, err = codec.Decode(codec.enc.EncodeAll(raw, nil))
	assert.ErrorIs(t, err, ErrCorruptChunk)
}

func TestCodecRejectsNegativeVarInts(t *testing.T) {
	codec := MustCodec()
	minusOne := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}

	header := func() *protocol.Writer {
		w := protocol.NewWriter(nil)
		w.WriteUint8(codecVersion)
		w.WriteInt32(0)
		w.WriteInt32(0)
		require.NoError(t, w.WriteVarInt(1))
		return w
	}

	cases := map[string]func() []byte{
		"индекс палитры": func() []byte {
			w := header()
			require.NoError(t, w.WriteVarInt(2))
			require.NoError(t, w.WriteVarInt(int32(world.BlockStone)))
			require.NoError(t, w.WriteVarInt(int32(world.BlockSand)))
			w.WriteBytes(minusOne)
			return w.Bytes()
		},
		"идентификатор блока": func() []byte {
			w := header()
			require.NoError(t, w.WriteVarInt(1))
			w.WriteBytes(minusOne)
			return w.Bytes()
		},
		"размер палитры": func() []byte {
			w := header()
			w.WriteBytes(minusOne)
			return w.Bytes()
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() {
				_, err = codec.Decode(codec.enc.EncodeAll(build(), nil))
			})
			assert.ErrorIs(t, err, ErrCorruptChunk)
		})
	}

	w := protocol.NewWriter(nil)
	w.WriteUint8(codecVersion)
	w.WriteInt32(0)
	w.WriteInt32(0)
	require.NoError(t, w.WriteVarInt(0))
	w.WriteBytes(minusOne)
	_, err := codec.Decode(codec.enc.EncodeAll(w.Bytes(), nil))
	assert.ErrorIs(t, err, ErrCorruptChunk)
}

// exerciseBackend общая проверка контракта загрузчика
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	coord := world.ChunkCoord{X: 33, Z: -2}

	missing, err := b.LoadChunk(ctx, coord)
	require.NoError(t, err)
	assert.Nil(t, missing, "отсутствующий чанк - nil без ошибки")

	c := sampleChunk(t, coord)
	require.NoError(t, b.SaveChunk(ctx, c))

	got, err := b.LoadChunk(ctx, coord)
	require.NoError(t, err)
	assertSameChunk(t, c, got)

	// Перезапись
	require.NoError(t, c.SetBlock(0, 250, 0, world.BlockStone))
	require.NoError(t, b.SaveChunk(ctx, c))
	got, err = b.LoadChunk(ctx, coord)
	require.NoError(t, err)
	assert.Equal(t, world.BlockStone, got.Block(0, 250, 0))

	other := sampleChunk(t, world.ChunkCoord{X: 34, Z: -2})
	require.NoError(t, b.SaveChunk(ctx, other))

	coords, err := b.Coords(ctx)
	require.NoError(t, err)
	sort.Slice(coords, func(i, j int) bool { return coords[i].X < coords[j].X })
	assert.Equal(t, []world.ChunkCoord{coord, other.Coord()}, coords)
}

func TestMemoryLoader(t *testing.T) {
	m := NewMemoryLoader(nil)
	exerciseBackend(t, m)
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.SupportsParallelLoading())
}

func TestBadgerLoader(t *testing.T) {
	b, err := OpenBadger("", nil)
	require.NoError(t, err)
	defer b.Close()

	exerciseBackend(t, b)
	require.NoError(t, b.Close())

	_, err = b.LoadChunk(context.Background(), world.ChunkCoord{})
	assert.Error(t, err)
}

func TestBadgerLoaderOnDisk(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir, nil)
	require.NoError(t, err)
	c := sampleChunk(t, world.ChunkCoord{X: 1})
	require.NoError(t, b.SaveChunk(context.Background(), c))
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, nil)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.LoadChunk(context.Background(), c.Coord())
	require.NoError(t, err)
	assertSameChunk(t, c, got)
}

func TestRegionLoader(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRegions(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.SupportsParallelLoading())
	assert.False(t, r.SupportsParallelSaving())
	exerciseBackend(t, r)

	// Чанки 33 и 34 лежат в регионе 1, 0 по X и -1 по Z
	_, err = os.Stat(filepath.Join(dir, "r.1.-1.bcr"))
	assert.NoError(t, err)

	// Данные переживают переоткрытие
	require.NoError(t, r.Close())
	r2, err := OpenRegions(dir, nil)
	require.NoError(t, err)
	defer r2.Close()
	got, err := r2.LoadChunk(context.Background(), world.ChunkCoord{X: 33, Z: -2})
	require.NoError(t, err)
	assert.Equal(t, world.BlockStone, got.Block(0, 250, 0))
}

func TestRegionReusesFreedSpace(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRegions(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	coord := world.ChunkCoord{X: 1, Z: 1}
	c := sampleChunk(t, coord)
	data, err := r.codec.Encode(c)
	require.NoError(t, err)

	path := filepath.Join(dir, regionFileName(0, 0))
	for i := 0; i < 20; i++ {
		require.NoError(t, r.SaveChunk(ctx, c))
		st, err := os.Stat(path)
		require.NoError(t, err)
		assert.LessOrEqual(t, st.Size(), int64(regionHeaderSize+2*len(data)), "сохранение %d", i)
	}

	// Соседний чанк занимает освободившийся промежуток или конец файла,
	// не задевая первый
	other := sampleChunk(t, world.ChunkCoord{X: 2, Z: 1})
	require.NoError(t, other.SetBlock(1, 1, 1, world.BlockStone))
	require.NoError(t, r.SaveChunk(ctx, other))
	require.NoError(t, r.SaveChunk(ctx, c))

	got, err := r.LoadChunk(ctx, coord)
	require.NoError(t, err)
	assertSameChunk(t, c, got)
	got, err = r.LoadChunk(ctx, other.Coord())
	require.NoError(t, err)
	assert.Equal(t, world.BlockStone, got.Block(1, 1, 1))
}

func TestRegionAllocate(t *testing.T) {
	h := int64(regionHeaderSize)
	assert.Equal(t, h, allocate(nil, 100))
	records := []regionRecord{{offset: h + 50, length: 10}, {offset: h + 200, length: 40}}
	assert.Equal(t, h, allocate(records, 50))
	assert.Equal(t, h+60, allocate(records, 100))
	assert.Equal(t, h+240, allocate(records, 141))
}

func TestRegionBoundsOpenFiles(t *testing.T) {
	r, err := OpenRegions(t.TempDir(), nil)
	require.NoError(t, err)
	defer r.Close()
	r.SetMaxOpen(2)

	ctx := context.Background()
	var saved []*world.Chunk
	for i := int32(0); i < 5; i++ {
		c := sampleChunk(t, world.ChunkCoord{X: i * regionSide, Z: 0})
		require.NoError(t, r.SaveChunk(ctx, c))
		saved = append(saved, c)
		assert.LessOrEqual(t, r.OpenFiles(), 2)
	}

	// Закрытые файлы открываются заново по требованию
	for _, c := range saved {
		got, err := r.LoadChunk(ctx, c.Coord())
		require.NoError(t, err)
		assertSameChunk(t, c, got)
	}
	assert.Equal(t, 2, r.OpenFiles())

	coords, err := r.Coords(ctx)
	require.NoError(t, err)
	assert.Len(t, coords, 5)
}

func TestSQLiteLoader(t *testing.T) {
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "chunks.sqlite"), nil)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, DialectSQLite, l.Dialect())
	assert.False(t, l.SupportsParallelSaving())
	exerciseBackend(t, l)
}

func TestMySQLLoader(t *testing.T) {
	dsn := os.Getenv("BLOCKCORE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("BLOCKCORE_TEST_MYSQL_DSN не задан")
	}
	l, err := OpenMySQL(dsn, nil)
	if err != nil {
		t.Skipf("MySQL недоступен: %v", err)
	}
	defer l.Close()
	_, err = l.db.Exec(`DELETE FROM chunks`)
	require.NoError(t, err)

	assert.True(t, l.SupportsParallelSaving())
	exerciseBackend(t, l)
}

func TestMongoLoader(t *testing.T) {
	uri := os.Getenv("BLOCKCORE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("BLOCKCORE_TEST_MONGO_URI не задан")
	}
	ctx := context.Background()
	m, err := OpenMongo(ctx, MongoConfig{URI: uri, Database: "blockcore_test", Collection: "chunks"}, nil)
	if err != nil {
		t.Skipf("MongoDB недоступен: %v", err)
	}
	defer m.Close()
	_, err = m.collection.DeleteMany(ctx, map[string]any{})
	require.NoError(t, err)

	exerciseBackend(t, m)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("BLOCKCORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BLOCKCORE_TEST_REDIS_ADDR не задан")
	}
	inner := NewMemoryLoader(nil)
	cfg := RedisConfig{Addr: addr, KeyPrefix: "blockcore:test:" + time.Now().Format("150405.000") + ":"}
	rc, err := NewRedisCache(inner, cfg, nil, nil)
	if err != nil {
		t.Skipf("Redis недоступен: %v", err)
	}
	defer rc.Close()

	assert.Equal(t, inner.SupportsParallelSaving(), rc.SupportsParallelSaving())
	exerciseBackend(t, rc)

	// Попадание в кеш не обращается к основному хранилищу
	coord := world.ChunkCoord{X: 33, Z: -2}
	inner.mu.Lock()
	delete(inner.chunks, coord)
	inner.mu.Unlock()
	got, err := rc.LoadChunk(context.Background(), coord)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// failingHook отклоняет выбранные команды Redis до обращения к серверу
// и запоминает все команды
type failingHook struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

var errRedisDown = errors.New("redis недоступен")

func (h *failingHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, cmd.Name())
	if h.fail[cmd.Name()] {
		return ctx, errRedisDown
	}
	return ctx, nil
}

func (h *failingHook) AfterProcess(context.Context, redis.Cmder) error { return nil }

func (h *failingHook) BeforeProcessPipeline(ctx context.Context, _ []redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *failingHook) AfterProcessPipeline(context.Context, []redis.Cmder) error { return nil }

func (h *failingHook) called() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func TestRedisCacheDropsEntryWhenRefreshFails(t *testing.T) {
	// Все команды отклоняются хуком, сервер не нужен
	hook := &failingHook{fail: map[string]bool{"set": true, "del": true, "get": true}}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	client.AddHook(hook)

	inner := NewMemoryLoader(nil)
	rc := &RedisCache{
		inner:  inner,
		client: client,
		codec:  MustCodec(),
		prefix: "blockcore:test:",
		ttl:    time.Minute,
		logger: logging.NewNop(),
	}
	defer rc.Close()

	coord := world.ChunkCoord{X: 5, Z: 6}
	c := sampleChunk(t, coord)
	require.NoError(t, rc.SaveChunk(context.Background(), c), "ошибка кеша не ломает сохранение")
	assert.Equal(t, []string{"set", "del"}, hook.called())

	got, err := inner.LoadChunk(context.Background(), coord)
	require.NoError(t, err)
	assertSameChunk(t, c, got)

	// При недоступном кеше чтение идёт из хранилища
	got, err = rc.LoadChunk(context.Background(), coord)
	require.NoError(t, err)
	assertSameChunk(t, c, got)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Config{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLoader{}, b)

	b, err = Open(ctx, Config{Backend: "region", Path: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RegionLoader{}, b)
	require.NoError(t, b.Close())

	_, err = Open(ctx, Config{Backend: "floppy"}, nil)
	assert.Error(t, err)
}

func TestCopyBetweenBackends(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryLoader(nil)
	for _, coord := range world.Square(world.ChunkCoord{}, 1) {
		require.NoError(t, src.SaveChunk(ctx, sampleChunk(t, coord)))
	}

	dst, err := OpenSQLite(filepath.Join(t.TempDir(), "copy.sqlite"), nil)
	require.NoError(t, err)
	defer dst.Close()

	n, err := Copy(ctx, dst, src)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	coords, err := dst.Coords(ctx)
	require.NoError(t, err)
	assert.Len(t, coords, 9)
}

func TestRegistryOverRegionFiles(t *testing.T) {
	r, err := OpenRegions(t.TempDir(), nil)
	require.NoError(t, err)
	defer r.Close()

	pool := worker.NewPool(4, 64, nil)
	defer pool.Stop()

	reg, err := world.NewRegistry(world.RegistryConfig{Loader: r, Pool: pool})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := reg.Load(ctx, world.ChunkCoord{X: 2, Z: 2})
	require.NoError(t, err)
	require.NoError(t, c.SetBlock(1, 150, 1, world.BlockWater))
	require.NoError(t, reg.Close(ctx))

	stored, err := r.LoadChunk(ctx, world.ChunkCoord{X: 2, Z: 2})
	require.NoError(t, err)
	assert.Equal(t, world.BlockWater, stored.Block(1, 150, 1))
}
