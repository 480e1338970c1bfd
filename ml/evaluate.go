package ml

import (
	"errors"
	"fmt"
	"strings"
)

// Evaluation holds held-out diagnostics. It never gates training.
type Evaluation struct {
	Classes [2]string `json:"classes"`
	// Confusion is indexed [actual][predicted] in class order.
	Confusion [2][2]int `json:"confusion"`
	Accuracy  float64   `json:"accuracy"`
	// Precision, Recall and F1 are for the positive (second) class.
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Samples   int     `json:"samples"`
}

// Evaluate scores every row of test and compares with its label.
func Evaluate(model *Model, test *Dataset) (Evaluation, error) {
	if model == nil {
		return Evaluation{}, ErrNotTrained
	}
	if test == nil || test.Len() == 0 {
		return Evaluation{}, errors.New("test set is empty")
	}
	if err := model.Schema().Check(test.Schema); err != nil {
		return Evaluation{}, err
	}

	classes := model.Classes()
	ev := Evaluation{Classes: classes, Samples: test.Len()}
	for i, row := range test.Rows {
		pred, err := model.Predict(row)
		if err != nil {
			return Evaluation{}, err
		}
		actual := classIndex(classes, test.Labels[i])
		if actual < 0 {
			return Evaluation{}, fmt.Errorf("test label %q is not one of %v", test.Labels[i], classes)
		}
		ev.Confusion[actual][classIndex(classes, pred.Label)]++
	}

	tn, fp := ev.Confusion[0][0], ev.Confusion[0][1]
	fn, tp := ev.Confusion[1][0], ev.Confusion[1][1]
	ev.Accuracy = float64(tp+tn) / float64(ev.Samples)
	if tp+fp > 0 {
		ev.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		ev.Recall = float64(tp) / float64(tp+fn)
	}
	if ev.Precision+ev.Recall > 0 {
		ev.F1 = 2 * ev.Precision * ev.Recall / (ev.Precision + ev.Recall)
	}
	return ev, nil
}

// ConfusionTable renders the matrix as aligned text for terminal output.
func (ev Evaluation) ConfusionTable() string {
	width := len("actual\\pred")
	for _, c := range ev.Classes {
		if len(c) > width {
			width = len(c)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-*s", width, "actual\\pred")
	for _, c := range ev.Classes {
		fmt.Fprintf(&b, " %*s", width, c)
	}
	b.WriteByte('\n')
	for i, c := range ev.Classes {
		fmt.Fprintf(&b, "%-*s", width, c)
		for j := range ev.Classes {
			fmt.Fprintf(&b, " %*d", width, ev.Confusion[i][j])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func classIndex(classes [2]string, label string) int {
	for i, c := range classes {
		if c == label {
			return i
		}
	}
	return -1
}
