package core

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

// logicalFrame builds the fragments of one LR-FHSS frame. lostHeaders and
// lostPayload are the indices (within their section) that are fully overlapped.
func logicalFrame(headers, payload int, lostHeaders, lostPayload []int) []*model.Frame {
	parts := headers + payload
	var frags []*model.Frame
	for i := 0; i < parts; i++ {
		d := int64(102)
		if i < headers {
			d = 233
		}
		frags = append(frags, &model.Frame{
			Number: 0, Duration: d, IsHeader: i < headers, NumHeaders: headers, Part: i, Parts: parts,
		})
	}
	for _, i := range lostHeaders {
		frags[i].MarkCollided(0, 1)
	}
	for _, i := range lostPayload {
		frags[headers+i].MarkCollided(0, 1)
	}
	return frags
}

func TestDehop(t *testing.T) {
	oneThird := model.CodingRate{Numerator: 1, Reference: 3}
	twoThirds := model.CodingRate{Numerator: 2, Reference: 3}

	tests := []struct {
		name  string
		frags []*model.Frame
		cr    model.CodingRate
		want  bool
	}{
		{"one clean header, two of six payload lost at CR 1/3", logicalFrame(3, 6, []int{0, 1}, []int{2, 4}), oneThird, true},
		{"every header lost", logicalFrame(3, 6, []int{0, 1, 2}, nil), oneThird, false},
		{"half the payload lost at CR 2/3", logicalFrame(2, 6, nil, []int{0, 1, 2}), twoThirds, false},
		{"exactly two thirds clean at CR 2/3", logicalFrame(2, 6, nil, []int{0, 1}), twoThirds, true},
		{"four of six payload lost at CR 1/3", logicalFrame(3, 6, nil, []int{0, 1, 2, 3}), oneThird, true},
		{"five of six payload lost at CR 1/3", logicalFrame(3, 6, nil, []int{0, 1, 2, 3, 4}), oneThird, false},
	}
	c := Collector{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Dehop(tt.frags, tt.cr)
			if err != nil {
				t.Fatalf("Dehop: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Dehop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDehopApportionsPartialOverlap(t *testing.T) {
	frags := logicalFrame(1, 3, nil, nil)
	// a quarter of the first two payload fragments overlapped
	frags[1].MarkCollided(0, 4)
	frags[2].MarkCollided(3, 4)

	twoThirds := model.CodingRate{Numerator: 2, Reference: 3}
	strict := Collector{FHSSLossThreshold: 0}
	if ok, _ := strict.Dehop(frags, twoThirds); ok {
		t.Fatalf("strict threshold: frame decoded with two of three fragments lost")
	}
	lenient := Collector{FHSSLossThreshold: 0.5}
	// clean = 2*(102-26) + 102 = 254 of 306, above two thirds
	if ok, _ := lenient.Dehop(frags, twoThirds); !ok {
		t.Fatalf("lenient threshold: frame lost with 52 of 306 ms overlapped")
	}
}

func TestDehopHeaderIgnoresLossThreshold(t *testing.T) {
	oneThird := model.CodingRate{Numerator: 1, Reference: 3}
	lenient := Collector{FHSSLossThreshold: 0.6}

	frags := logicalFrame(3, 4, nil, nil)
	for _, f := range frags[:3] {
		f.MarkCollided(0, 2)
	}
	if ok, err := lenient.Dehop(frags, oneThird); err != nil || ok {
		t.Fatalf("every replica half overlapped: Dehop = %v, %v; want false", ok, err)
	}

	frags = logicalFrame(3, 4, nil, nil)
	frags[0].MarkCollided(0, 2)
	frags[1].MarkCollided(1, 2)
	if ok, err := lenient.Dehop(frags, oneThird); err != nil || !ok {
		t.Fatalf("one untouched replica: Dehop = %v, %v; want true", ok, err)
	}
}

func TestDehopStructuralErrors(t *testing.T) {
	cr := model.CodingRate{Numerator: 1, Reference: 3}

	noHeader := logicalFrame(3, 2, nil, nil)[3:]
	if _, err := (Collector{}).Dehop(noHeader, cr); !errors.Is(err, ErrHeaderMissing) {
		t.Fatalf("payload-first group: err = %v, want ErrHeaderMissing", err)
	}

	short := logicalFrame(3, 2, nil, nil)
	short = append(short[:2:2], short[3:]...)
	if _, err := (Collector{}).Dehop(short, cr); !errors.Is(err, ErrHeaderMissing) {
		t.Fatalf("missing replica: err = %v, want ErrHeaderMissing", err)
	}

	if _, err := (Collector{}).Dehop(nil, cr); !errors.Is(err, ErrHeaderMissing) {
		t.Fatalf("empty group: err = %v, want ErrHeaderMissing", err)
	}
}

func TestEvaluateCSS(t *testing.T) {
	d := newTestCSS(t, 0, 1000)
	d.ScheduleFirst(10000)
	for d.NextTxTime() != Never {
		now := d.NextTxTime()
		frags, err := d.CreateFrame(now)
		if err != nil {
			t.Fatalf("CreateFrame: %v", err)
		}
		if frags[0].Number == 1 {
			frags[0].MarkCollided(0, 41)
		}
		d.ScheduleNext(now, 10000)
	}

	strict, err := Collector{}.Evaluate(d)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if strict.Sent != 9 || strict.Lost != 1 || strict.Collided != 1 || strict.Received() != 8 {
		t.Fatalf("strict outcome = %+v", strict)
	}

	// 1 of 41 slots overlapped is tolerated at a 10% threshold
	lenient, err := Collector{CSSLossThreshold: 0.1}.Evaluate(d)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if lenient.Lost != 0 || lenient.Collided != 1 {
		t.Fatalf("lenient outcome = %+v", lenient)
	}
}

func TestCollectKeepsDeviceOrder(t *testing.T) {
	var devices []Device
	for id := 0; id < 20; id++ {
		d := newTestCSS(t, id, 1000)
		d.ScheduleFirst(5000)
		devices = append(devices, d)
	}
	outcomes, err := Collector{Workers: 4}.Collect(context.Background(), devices)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for i, o := range outcomes {
		if o.ID != i {
			t.Fatalf("outcome %d belongs to device %d", i, o.ID)
		}
	}
}

func TestSummarise(t *testing.T) {
	outcomes := []DeviceOutcome{
		{ID: 0, Modulation: model.CSS, Sent: 10, Lost: 2},
		{ID: 1, Modulation: model.CSS, Sent: 6, Lost: 0, Collided: 1},
		{ID: 2, Modulation: model.FHSS, Sent: 4, Lost: 1, Collided: 3},
	}
	s := Summarise(outcomes)
	want := [4]float64{(8 + 6) / 2.0, (10 + 6) / 2.0, 3, 4}
	got := s.Tuple()
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("Tuple()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if s.Devices != [2]int{2, 1} || s.Collided != [2]int{1, 3} || s.Received != [2]int{14, 3} {
		t.Fatalf("summary totals = %+v", s)
	}

	if empty := Summarise(nil).Tuple(); empty != [4]float64{} {
		t.Fatalf("empty summary = %v", empty)
	}
}
