package training

import (
	"fmt"
	"strings"
)

// MetricType represents a classification metric derived from a confusion matrix
type MetricType int

const (
	// Binary metrics treat class 1 as positive
	Precision MetricType = iota
	Recall
	F1Score
	Specificity

	MacroPrecision
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	cachedMetrics map[MetricType]float64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Add records one prediction. Out-of-range classes are rejected.
func (cm *ConfusionMatrix) Add(trueClass, predictedClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses || predictedClass < 0 || predictedClass >= cm.NumClasses {
		return fmt.Errorf("class pair (%d, %d) outside [0, %d)", trueClass, predictedClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predictedClass]++
	cm.TotalSamples++
	clear(cm.cachedMetrics)
	return nil
}

// UpdateFromPredictions adds a batch of class probabilities [batchSize, NumClasses]
// using the argmax as the predicted class
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions []float32, trueLabels []int32, batchSize int) error {
	if len(predictions) != batchSize*cm.NumClasses {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", batchSize*cm.NumClasses, len(predictions))
	}
	if len(trueLabels) != batchSize {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", batchSize, len(trueLabels))
	}

	for i := 0; i < batchSize; i++ {
		row := predictions[i*cm.NumClasses : (i+1)*cm.NumClasses]
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if err := cm.Add(int(trueLabels[i]), best); err != nil {
			return fmt.Errorf("sample %d: %v", i, err)
		}
	}
	return nil
}

// GetMetric calculates and caches a metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if value, ok := cm.cachedMetrics[metric]; ok {
		return value
	}

	var result float64
	switch metric {
	case Precision:
		if cm.NumClasses == 2 {
			result = cm.classPrecision(1)
		}
	case Recall:
		if cm.NumClasses == 2 {
			result = cm.classRecall(1)
		}
	case F1Score:
		if cm.NumClasses == 2 {
			result = harmonicMean(cm.classPrecision(1), cm.classRecall(1))
		}
	case Specificity:
		if cm.NumClasses == 2 {
			result = cm.classRecall(0)
		}
	case MacroPrecision:
		result = cm.macro(cm.predictedCount, cm.classPrecision)
	case MacroRecall:
		result = cm.macro(cm.actualCount, cm.classRecall)
	case MacroF1:
		result = harmonicMean(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	case MicroPrecision, MicroRecall, MicroF1:
		// Every misclassification is one FP and one FN, so all three equal accuracy
		result = cm.GetAccuracy()
	default:
		return 0
	}

	cm.cachedMetrics[metric] = result
	return result
}

// ClassMetrics returns precision, recall and F1 for one class
func (cm *ConfusionMatrix) ClassMetrics(class int) (precision, recall, f1 float64) {
	precision = cm.classPrecision(class)
	recall = cm.classRecall(class)
	return precision, recall, harmonicMean(precision, recall)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// String renders the matrix with true classes as rows
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	sb.WriteString("true\\pred")
	for j := 0; j < cm.NumClasses; j++ {
		fmt.Fprintf(&sb, "\t%d", j)
	}
	sb.WriteString("\n")
	for i, row := range cm.Matrix {
		fmt.Fprintf(&sb, "%d", i)
		for _, v := range row {
			fmt.Fprintf(&sb, "\t%d", v)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (cm *ConfusionMatrix) predictedCount(class int) int {
	n := 0
	for i := 0; i < cm.NumClasses; i++ {
		n += cm.Matrix[i][class]
	}
	return n
}

func (cm *ConfusionMatrix) actualCount(class int) int {
	n := 0
	for _, v := range cm.Matrix[class] {
		n += v
	}
	return n
}

func (cm *ConfusionMatrix) classPrecision(class int) float64 {
	predicted := cm.predictedCount(class)
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(predicted)
}

func (cm *ConfusionMatrix) classRecall(class int) float64 {
	actual := cm.actualCount(class)
	if actual == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(actual)
}

// macro averages value over the classes whose count is non-zero
func (cm *ConfusionMatrix) macro(count func(int) int, value func(int) float64) float64 {
	if cm.NumClasses < 2 {
		return 0
	}
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		if count(class) > 0 {
			sum += value(class)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

func harmonicMean(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return 2 * a * b / (a + b)
}
