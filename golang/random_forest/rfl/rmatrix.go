package rfl

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

//RMatrix contains a feature matrix and the aligned target column of a regression data set.
type RMatrix struct {
	Features    *mat.Dense
	Target      *mat.Dense
	RecordIds   []int
	Description *string
}

//NewRMatrix checks a feature matrix against its target vector and unites them into one RMatrix object.
func NewRMatrix(features *mat.Dense, target []float64) (RMatrix, error) {
	if features == nil {
		return RMatrix{}, invalidInput("nil feature matrix")
	}
	h := Height(features)
	if h != len(target) {
		return RMatrix{}, invalidInput("the target length %d is not equal to the features height %d", len(target), h)
	}
	if h == 0 {
		return RMatrix{}, invalidInput("empty training set")
	}

	rm := RMatrix{
		Features:  features,
		Target:    mat.NewDense(h, 1, append([]float64(nil), target...)),
		RecordIds: identityIds(h),
	}
	if _, _, err := rm.validatedDimensions(); err != nil {
		return RMatrix{}, err
	}
	return rm, nil
}

//NewRMatrixFromRows builds an RMatrix from a slice of rows. Every row must have the same width.
func NewRMatrixFromRows(rows [][]float64, target []float64) (RMatrix, error) {
	features, err := DenseFromRows(rows)
	if err != nil {
		return RMatrix{}, err
	}
	return NewRMatrix(features, target)
}

//DenseFromRows copies a rectangular slice of rows into a dense matrix.
func DenseFromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, invalidInput("empty feature matrix")
	}
	w := len(rows[0])
	if w == 0 {
		return nil, invalidInput("feature rows have no columns")
	}
	data := make([]float64, 0, len(rows)*w)
	for p, row := range rows {
		if len(row) != w {
			return nil, invalidInput("row %d has %d features, expected %d", p, len(row), w)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), w, data), nil
}

//SetDescription sets a description for an RMatrix object
func (rm *RMatrix) SetDescription(description string) {
	rm.Description = &description
}

func (rm RMatrix) description() string {
	if rm.Description == nil {
		return ""
	}
	return *rm.Description
}

//Subset selects rows of the receiver by index. Indices may repeat; the receiver is never modified.
func (rm RMatrix) Subset(rows []int) RMatrix {
	ids := make([]int, len(rows))
	if len(rows) == 0 {
		// gonum does not allow zero-sized matrices to be created with NewDense
		return RMatrix{Features: &mat.Dense{}, Target: &mat.Dense{}, RecordIds: ids, Description: rm.Description}
	}

	_, w := rm.Features.Dims()
	features := mat.NewDense(len(rows), w, nil)
	target := mat.NewDense(len(rows), 1, nil)
	for p, row := range rows {
		features.SetRow(p, rm.Features.RawRowView(row))
		target.Set(p, 0, rm.Target.At(row, 0))
		ids[p] = rm.RecordIds[row]
	}
	return RMatrix{Features: features, Target: target, RecordIds: ids, Description: rm.Description}
}

//targetAt returns the target value of a row.
func (rm RMatrix) targetAt(row int) float64 {
	return rm.Target.At(row, 0)
}

//validatedDimensions checks the consistency of dimensions in arrays from the current dataset
//and returns the height (the number of objects) and the width (the number of features).
//Missing values are not imputed here: a NaN or an infinity rejects the whole matrix.
func (rm RMatrix) validatedDimensions() (h, w int, err error) {
	if rm.Features == nil || rm.Target == nil {
		return 0, 0, invalidInput("features and target are required")
	}
	if rm.Features.IsEmpty() || rm.Target.IsEmpty() {
		return 0, 0, invalidInput("empty training set")
	}
	h, w = rm.Features.Dims()
	targetH, targetW := rm.Target.Dims()
	if targetH != h {
		return 0, 0, invalidInput("the target height %d is not equal to the features height %d", targetH, h)
	}
	if targetW != 1 {
		return 0, 0, invalidInput("the width of target should be 1 not %d", targetW)
	}
	if len(rm.RecordIds) != h {
		return 0, 0, invalidInput("%d record ids for %d rows", len(rm.RecordIds), h)
	}
	for p := 0; p < h; p++ {
		for q := 0; q < w; q++ {
			if v := rm.Features.At(p, q); math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, 0, invalidInput("feature (%d, %d) is not a finite number", p, q)
			}
		}
		if v := rm.Target.At(p, 0); math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, invalidInput("target %d is not a finite number", p)
		}
	}
	return h, w, nil
}

//ReadRMatrix reads the features and the target of a data set and unites them into one RMatrix object
func ReadRMatrix(fileNameFeatures, fileNameTarget string) (RMatrix, error) {
	log.Infof("\ttry to load features <%s>", fileNameFeatures)
	features, err := ReadNpy(fileNameFeatures)
	if err != nil {
		return RMatrix{}, err
	}
	log.Infof("\ttry to load target <%s>", fileNameTarget)
	target, err := ReadNpy(fileNameTarget)
	if err != nil {
		return RMatrix{}, err
	}

	// a target stored as a single row is accepted as well as a column
	if r, c := target.Dims(); r == 1 && c > 1 {
		target = mat.NewDense(c, 1, target.RawRowView(0))
	}
	if _, c := target.Dims(); c != 1 {
		return RMatrix{}, invalidInput("target in %s has %d columns", fileNameTarget, c)
	}
	return NewRMatrix(features, mat.Col(nil, 0, target))
}

//ReadNpy reads the content of npy file
func ReadNpy(fileName string) (*mat.Dense, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", fileName)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read npy header of %s", fileName)
	}

	// one-dimensional arrays are read as a column
	if shape := r.Header.Descr.Shape; len(shape) == 1 {
		var data []float64
		if err := r.Read(&data); err != nil {
			return nil, errors.Wrapf(err, "can't read %s", fileName)
		}
		if len(data) == 0 {
			return nil, invalidInput("%s is empty", fileName)
		}
		return mat.NewDense(len(data), 1, data), nil
	}

	denseMat := &mat.Dense{}
	if err := r.Read(denseMat); err != nil {
		return nil, errors.Wrapf(err, "can't read %s", fileName)
	}
	return denseMat, nil
}

//WriteNpy writes a prediction vector as a one-dimensional npy array.
func WriteNpy(fileName string, values []float64) (err error) {
	dst, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "can't open file %s to write", fileName)
	}
	defer func() {
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
	}()
	return errors.Wrapf(npyio.Write(dst, values), "can't write %s", fileName)
}

func identityIds(h int) []int {
	ids := make([]int, h)
	for p := range ids {
		ids[p] = p
	}
	return ids
}
