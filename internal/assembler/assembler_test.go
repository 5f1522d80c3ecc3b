package assembler

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/blendforge/blendforge/internal/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	for _, model := range database.GetAllModels() {
		if err := db.AutoMigrate(model); err != nil {
			t.Fatalf("failed to migrate %T: %v", model, err)
		}
	}
	return db
}

// solidPNG renders a tileW x tileH PNG filled with c, for use as a tile's
// fake render output.
func solidPNG(t *testing.T, tileW, tileH int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, tileW, tileH))
	for y := 0; y < tileH; y++ {
		for x := 0; x < tileW; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// blobStore is an in-memory fake for BlobLoader/BlobSaver.
type blobStore struct {
	data map[string][]byte
}

func newBlobStore() *blobStore { return &blobStore{data: map[string][]byte{}} }

func (b *blobStore) load(ref string) ([]byte, error) {
	d, ok := b.data[ref]
	if !ok {
		return nil, fmt.Errorf("no such blob %q", ref)
	}
	return d, nil
}

func (b *blobStore) save(name string, data []byte) (string, error) {
	b.data[name] = data
	return name, nil
}

func TestAssembleTiledJob_PastesAllTilesAndMarksDone(t *testing.T) {
	db := newTestDB(t)
	store := newBlobStore()

	tj := &database.TiledJob{
		Name: "panorama", AssetID: uuid.New(),
		FinalResolutionX: 4, FinalResolutionY: 2,
		TileCountX: 2, TileCountY: 1,
		Status: database.TiledJobStatusRendering,
	}
	if err := db.Create(tj).Error; err != nil {
		t.Fatal(err)
	}

	red := solidPNG(t, 2, 2, color.RGBA{R: 255, A: 255})
	store.data["tile-0-0.png"] = red
	blue := solidPNG(t, 2, 2, color.RGBA{B: 255, A: 255})
	store.data["tile-0-1.png"] = blue

	tileA := &database.Job{Name: "panorama_Tile_0_0", AssetID: tj.AssetID, Status: database.JobStatusDone, OutputBlob: "tile-0-0.png", RenderTimeSeconds: 5, TiledJobID: &tj.ID}
	tileB := &database.Job{Name: "panorama_Tile_0_1", AssetID: tj.AssetID, Status: database.JobStatusDone, OutputBlob: "tile-0-1.png", RenderTimeSeconds: 7, TiledJobID: &tj.ID}
	if err := db.Create(tileA).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(tileB).Error; err != nil {
		t.Fatal(err)
	}

	jobRepo := database.NewJobRepository(db)
	tiledRepo := database.NewTiledJobRepository(db)

	err := AssembleTiledJob(db, jobRepo, tiledRepo, store.load, store.save, tj.ID, 4, 2, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := tiledRepo.Get(tj.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != database.TiledJobStatusDone {
		t.Fatalf("expected DONE status, got %s", got.Status)
	}
	if got.TotalRenderTimeSeconds != 12 {
		t.Fatalf("expected total render time 12, got %d", got.TotalRenderTimeSeconds)
	}
	if got.OutputBlob == "" {
		t.Fatal("expected output blob reference to be set")
	}

	assembled, err := store.load(got.OutputBlob)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(assembled))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 2 {
		t.Fatalf("expected assembled image 4x2, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}

	// Tile outputs reclaimed.
	jA, _ := jobRepo.Get(tileA.ID)
	if jA.OutputBlob != "" {
		t.Fatal("expected tile output blob reclaimed after assembly")
	}
}

func TestAssembleTiledJob_MissingTileOutput_MarksError(t *testing.T) {
	db := newTestDB(t)
	store := newBlobStore()

	tj := &database.TiledJob{
		Name: "broken", AssetID: uuid.New(),
		FinalResolutionX: 2, FinalResolutionY: 2,
		TileCountX: 1, TileCountY: 1,
	}
	if err := db.Create(tj).Error; err != nil {
		t.Fatal(err)
	}
	tile := &database.Job{Name: "broken_Tile_0_0", AssetID: tj.AssetID, Status: database.JobStatusDone, TiledJobID: &tj.ID}
	if err := db.Create(tile).Error; err != nil {
		t.Fatal(err)
	}

	jobRepo := database.NewJobRepository(db)
	tiledRepo := database.NewTiledJobRepository(db)

	err := AssembleTiledJob(db, jobRepo, tiledRepo, store.load, store.save, tj.ID, 2, 2, 1, 1)
	if err == nil {
		t.Fatal("expected error for missing tile output")
	}
	if _, ok := err.(*ErrMissingTileOutput); !ok {
		t.Fatalf("expected *ErrMissingTileOutput, got %T", err)
	}

	got, _ := tiledRepo.Get(tj.ID)
	if got.Status != database.TiledJobStatusError {
		t.Fatalf("expected ERROR status after failed assembly, got %s", got.Status)
	}
}

func TestAssembleTiledJob_MalformedTileName_ReturnsTypedError(t *testing.T) {
	db := newTestDB(t)
	store := newBlobStore()

	tj := &database.TiledJob{
		Name: "weird", AssetID: uuid.New(),
		FinalResolutionX: 2, FinalResolutionY: 2,
		TileCountX: 1, TileCountY: 1,
	}
	if err := db.Create(tj).Error; err != nil {
		t.Fatal(err)
	}
	tile := &database.Job{Name: "weird_not_a_tile_name", AssetID: tj.AssetID, Status: database.JobStatusDone, OutputBlob: "x.png", TiledJobID: &tj.ID}
	if err := db.Create(tile).Error; err != nil {
		t.Fatal(err)
	}
	store.data["x.png"] = solidPNG(t, 2, 2, color.RGBA{G: 255, A: 255})

	jobRepo := database.NewJobRepository(db)
	tiledRepo := database.NewTiledJobRepository(db)

	err := AssembleTiledJob(db, jobRepo, tiledRepo, store.load, store.save, tj.ID, 2, 2, 1, 1)
	if _, ok := err.(*ErrMalformedTileName); !ok {
		t.Fatalf("expected *ErrMalformedTileName, got %T: %v", err, err)
	}
}

func TestAssembleFrame_PastesAndMarksFrameDone(t *testing.T) {
	db := newTestDB(t)
	store := newBlobStore()

	a := &database.Animation{Name: "shot", AssetID: uuid.New(), StartFrame: 1, EndFrame: 1, FrameStep: 1, TilingConfig: database.Tiling2x2, FinalResolutionX: 4, FinalResolutionY: 4}
	if err := db.Create(a).Error; err != nil {
		t.Fatal(err)
	}
	frame := &database.AnimationFrame{AnimationID: a.ID, FrameNumber: 1}
	if err := db.Create(frame).Error; err != nil {
		t.Fatal(err)
	}

	names := []string{"shot_Frame_0001_Tile_0_0", "shot_Frame_0001_Tile_0_1", "shot_Frame_0001_Tile_1_0", "shot_Frame_0001_Tile_1_1"}
	for i, name := range names {
		ref := fmt.Sprintf("tile-%d.png", i)
		store.data[ref] = solidPNG(t, 2, 2, color.RGBA{R: uint8(i * 50), A: 255})
		job := &database.Job{Name: name, AssetID: a.AssetID, Status: database.JobStatusDone, OutputBlob: ref, RenderTimeSeconds: 1, AnimationFrameID: &frame.ID}
		if err := db.Create(job).Error; err != nil {
			t.Fatal(err)
		}
	}

	jobRepo := database.NewJobRepository(db)
	animRepo := database.NewAnimationRepository(db)

	got, err := AssembleFrame(db, jobRepo, animRepo, store.load, store.save, frame.ID, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != database.AnimationFrameStatusDone {
		t.Fatalf("expected frame DONE status, got %s", got.Status)
	}
	if got.RenderTimeSeconds != 4 {
		t.Fatalf("expected total render time 4, got %d", got.RenderTimeSeconds)
	}
}
