package data

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".tif": true, ".tiff": true,
}

type folderSample struct {
	imagePath string
	boxes     [][4]float32 // normalized xyxy in the original image
	labels    []int
}

// FolderDataset reads images from a directory with sibling label files
// (one "<class> <cx> <cy> <w> <h>" line per box, normalized). Images
// are letterboxed to a square target size at batch time; box
// coordinates follow the letterbox transform.
type FolderDataset struct {
	samples  []folderSample
	imgSize  int
	pipeline string
	mosaic   bool
}

// NewFolderDataset scans imageDir, pairing each image with the label
// file of the same stem under labelDir. Images without a label file get
// an empty GT table.
func NewFolderDataset(imageDir, labelDir string, imgSize int) (*FolderDataset, error) {
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", imageDir, err)
	}
	ds := &FolderDataset{imgSize: imgSize, pipeline: "default"}
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		s := folderSample{imagePath: filepath.Join(imageDir, e.Name())}
		if err := s.readLabels(filepath.Join(labelDir, stem+".txt")); err != nil {
			return nil, err
		}
		ds.samples = append(ds.samples, s)
	}
	if len(ds.samples) == 0 {
		return nil, fmt.Errorf("no images under %s", imageDir)
	}
	sort.Slice(ds.samples, func(i, j int) bool { return ds.samples[i].imagePath < ds.samples[j].imagePath })
	return ds, nil
}

func (s *folderSample) readLabels(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			return fmt.Errorf("%s:%d: want 5 fields, got %d", path, line, len(fields))
		}
		cls, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("%s:%d: bad class: %w", path, line, err)
		}
		var vals [4]float32
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(fields[i+1], 32)
			if err != nil {
				return fmt.Errorf("%s:%d: bad coordinate: %w", path, line, err)
			}
			vals[i] = float32(v)
		}
		cx, cy, w, h := vals[0], vals[1], vals[2], vals[3]
		s.boxes = append(s.boxes, [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2})
		s.labels = append(s.labels, cls)
	}
	return sc.Err()
}

func (d *FolderDataset) Count() int { return len(d.samples) }

func (d *FolderDataset) SetPipeline(name string, useMosaic bool) {
	d.pipeline = name
	d.mosaic = useMosaic
}

func (d *FolderDataset) LabelStats() LabelStats {
	stats := LabelStats{ClassCounts: map[int]int{}}
	for _, s := range d.samples {
		stats.TotalBoxes += len(s.labels)
		for _, c := range s.labels {
			stats.ClassCounts[c]++
		}
	}
	return stats
}

func (d *FolderDataset) Batches(batchSize int, shuffle bool, seed int64) BatchIter {
	if batchSize <= 0 {
		batchSize = 1
	}
	order := permutation(len(d.samples), shuffle, seed)
	pos := 0
	return func() (*Batch, bool) {
		if pos >= len(order) {
			return nil, false
		}
		end := pos + batchSize
		if end > len(order) {
			end = len(order)
		}
		loaded := make([]sample, 0, end-pos)
		for _, idx := range order[pos:end] {
			ls, err := d.load(d.samples[idx])
			if err != nil {
				// decode failures drop the sample instead of killing the epoch
				continue
			}
			loaded = append(loaded, ls)
		}
		pos = end
		if len(loaded) == 0 {
			return nil, false
		}
		return collate(loaded), true
	}
}

// load decodes one image, letterboxes it onto a gray square canvas and
// rescales its boxes into the letterboxed frame.
func (d *FolderDataset) load(s folderSample) (sample, error) {
	img, err := imaging.Open(s.imagePath)
	if err != nil {
		return sample{}, err
	}
	fitted := imaging.Fit(img, d.imgSize, d.imgSize, imaging.Linear)
	canvas := imaging.New(d.imgSize, d.imgSize, color.NRGBA{R: 114, G: 114, B: 114, A: 255})
	canvas = imaging.PasteCenter(canvas, fitted)

	t := imageToTensor(canvas)

	fitW := float32(fitted.Bounds().Dx())
	fitH := float32(fitted.Bounds().Dy())
	offX := (float32(d.imgSize) - fitW) / 2
	offY := (float32(d.imgSize) - fitH) / 2
	size := float32(d.imgSize)
	out := sample{image: t, labels: append([]int(nil), s.labels...)}
	for _, b := range s.boxes {
		out.boxes = append(out.boxes, [4]float32{
			(b[0]*fitW + offX) / size,
			(b[1]*fitH + offY) / size,
			(b[2]*fitW + offX) / size,
			(b[3]*fitH + offY) / size,
		})
	}
	return out, nil
}

func imageToTensor(img *image.NRGBA) *tensor.Tensor {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	t := tensor.Zeros(3, h, w)
	raw := t.Raw()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			raw[0*h*w+y*w+x] = float32(row[x*4]) / 255
			raw[1*h*w+y*w+x] = float32(row[x*4+1]) / 255
			raw[2*h*w+y*w+x] = float32(row[x*4+2]) / 255
		}
	}
	return t
}
