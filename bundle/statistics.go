package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Parameter is the kind of entity a ParameterState applies to.
type Parameter int

const (
	// ParameterPose covers absolute poses and rig sub-poses.
	ParameterPose Parameter = iota
	// ParameterIntrinsic covers camera models.
	ParameterIntrinsic
)

// ParameterState classifies how an entity participates in one adjustment.
// The classification is supplied externally by the optimization strategy.
type ParameterState int

const (
	// StateRefined lets the entity vary.
	StateRefined ParameterState = iota
	// StateConstant adds the entity to the problem but freezes it.
	StateConstant
	// StateIgnored excludes the entity from the problem entirely. An
	// ignored entity appearing as a residual endpoint is an invariant
	// violation, not a soft skip.
	StateIgnored
)

func (s ParameterState) String() string {
	switch s {
	case StateRefined:
		return "refined"
	case StateConstant:
		return "constant"
	case StateIgnored:
		return "ignored"
	}
	return "unknown"
}

// Statistics aggregates one adjustment run: timing, per-state entity counts,
// solver iteration counts, RMSE before and after, and the distribution of
// cameras per graph distance when a local strategy supplied one.
type Statistics struct {
	Time                     time.Duration
	States                   map[Parameter]map[ParameterState]int
	NbCamerasPerDistance     map[int]int
	NbResidualBlocks         int
	NbSuccessfulIterations   int
	NbUnsuccessfulIterations int
	RMSEInitial              float64
	RMSEFinal                float64
}

func newStatistics() Statistics {
	return Statistics{
		States: map[Parameter]map[ParameterState]int{
			ParameterPose:      {},
			ParameterIntrinsic: {},
		},
	}
}

// AddState counts one entity of the given kind under the given state.
func (s *Statistics) AddState(p Parameter, state ParameterState) {
	s.States[p][state]++
}

// ExportToFile appends one semicolon-separated row to folder/filename,
// writing the header first when the file is new or empty.
func (s *Statistics) ExportToFile(folder, filename string) error {
	path := filepath.Join(folder, filename)
	//nolint:gosec
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "unable to open the bundle adjustment statistics file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		header := "Time/BA(s);RefinedPose;ConstPose;IgnoredPose;" +
			"RefinedK;ConstK;IgnoredK;" +
			"ResidualBlocks;SuccessIteration;BadIteration;" +
			"InitRMSE;FinalRMSE;" +
			"d=-1;d=0;d=1;d=2;d=3;d=4;" +
			"d=5;d=6;d=7;d=8;d=9;d=10+;\n"
		if _, err := f.WriteString(header); err != nil {
			return err
		}
	}

	posesWithDistanceTenPlus := 0
	for d, count := range s.NbCamerasPerDistance {
		if d >= 10 {
			posesWithDistanceTenPlus += count
		}
	}

	var row strings.Builder
	fmt.Fprintf(&row, "%g;%d;%d;%d;%d;%d;%d;%d;%d;%d;%g;%g;",
		s.Time.Seconds(),
		s.States[ParameterPose][StateRefined],
		s.States[ParameterPose][StateConstant],
		s.States[ParameterPose][StateIgnored],
		s.States[ParameterIntrinsic][StateRefined],
		s.States[ParameterIntrinsic][StateConstant],
		s.States[ParameterIntrinsic][StateIgnored],
		s.NbResidualBlocks,
		s.NbSuccessfulIterations,
		s.NbUnsuccessfulIterations,
		s.RMSEInitial,
		s.RMSEFinal)
	for d := -1; d < 10; d++ {
		fmt.Fprintf(&row, "%d;", s.NbCamerasPerDistance[d])
	}
	fmt.Fprintf(&row, "%d;\n", posesWithDistanceTenPlus)

	_, err = f.WriteString(row.String())
	return err
}

// Show logs a human-readable account of the run.
func (s *Statistics) Show(logger golog.Logger) {
	var sb strings.Builder

	if len(s.NbCamerasPerDistance) > 0 {
		notConnected, distZero, distOne, distMore := 0, 0, 0, 0
		for d, count := range s.NbCamerasPerDistance {
			switch {
			case d < 0:
				notConnected += count
			case d == 0:
				distZero += count
			case d == 1:
				distOne += count
			default:
				distMore += count
			}
		}
		fmt.Fprintf(&sb, "\t- local strategy enabled: yes\n")
		fmt.Fprintf(&sb, "\t- graph-distances distribution:\n")
		fmt.Fprintf(&sb, "\t    - not connected: %d cameras\n", notConnected)
		fmt.Fprintf(&sb, "\t    - D = 0: %d cameras\n", distZero)
		fmt.Fprintf(&sb, "\t    - D = 1: %d cameras\n", distOne)
		fmt.Fprintf(&sb, "\t    - D > 1: %d cameras\n", distMore)
	} else {
		fmt.Fprintf(&sb, "\t- local strategy enabled: no\n")
	}

	logger.Infof("Bundle Adjustment Statistics:\n%s"+
		"\t- adjustment duration: %v\n"+
		"\t- poses:\n"+
		"\t    - # refined:  %d\n"+
		"\t    - # constant: %d\n"+
		"\t    - # ignored:  %d\n"+
		"\t- intrinsics:\n"+
		"\t    - # refined:  %d\n"+
		"\t    - # constant: %d\n"+
		"\t    - # ignored:  %d\n"+
		"\t- # residual blocks: %d\n"+
		"\t- # successful iterations: %d\n"+
		"\t- # unsuccessful iterations: %d\n"+
		"\t- initial RMSE: %g\n"+
		"\t- final   RMSE: %g",
		sb.String(),
		s.Time,
		s.States[ParameterPose][StateRefined],
		s.States[ParameterPose][StateConstant],
		s.States[ParameterPose][StateIgnored],
		s.States[ParameterIntrinsic][StateRefined],
		s.States[ParameterIntrinsic][StateConstant],
		s.States[ParameterIntrinsic][StateIgnored],
		s.NbResidualBlocks,
		s.NbSuccessfulIterations,
		s.NbUnsuccessfulIterations,
		s.RMSEInitial,
		s.RMSEFinal)
}
