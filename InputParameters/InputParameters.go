package InputParameters

import (
	"fmt"

	"github.com/ghodss/yaml"

	"github.com/notargets/goadapt/adapt"
)

// MetricParameters choose the metric tensor field the mesh is adapted to.
type MetricParameters struct {
	Type      string    `json:"Type"`  // "uniform" or "hessian"
	H         []float64 `json:"H"`     // Uniform: size along each axis
	Field     string    `json:"Field"` // Hessian: analytic field, "shock" or "ring"
	Eta       float64   `json:"Eta"`   // Hessian: interpolation error target
	HMin      float64   `json:"HMin"`
	HMax      float64   `json:"HMax"`
	MaxAspect float64   `json:"MaxAspect"` // 0 leaves the aspect ratio free
	Target    int       `json:"Target"`    // Rescale to this many elements, 0 keeps the scale
}

// Parameters obtained from the YAML input file. Zero values keep the
// defaults of adapt.DefaultParameters.
type InputParameters struct {
	Title       string           `json:"Title"`
	Ranks       int              `json:"Ranks"`
	Workers     int              `json:"Workers"`
	Partitioner string           `json:"Partitioner"` // "block" or "metis"
	Imbalance   float32          `json:"Imbalance"`
	Objective   string           `json:"Objective"` // METIS objective, "cut" or "vol"
	Metric      MetricParameters `json:"Metric"`

	LUp                   float64 `json:"LUp"`
	LLow                  float64 `json:"LLow"`
	Alpha                 float64 `json:"Alpha"`
	MaxIterations         int     `json:"MaxIterations"`
	Swap                  *bool   `json:"Swap"`
	QMin                  float64 `json:"QMin"`
	AllowBoundaryCollapse bool    `json:"AllowBoundaryCollapse"`
	SmoothIterations      *int    `json:"SmoothIterations"`
	HaloLevels            int     `json:"HaloLevels"`
	RedistributeEvery     int     `json:"RedistributeEvery"`
}

func (ip *InputParameters) Parse(data []byte) error {
	return yaml.Unmarshal(data, ip)
}

// Validate checks the settings that do not depend on the mesh.
func (ip *InputParameters) Validate() error {
	switch ip.Partitioner {
	case "", "block", "metis":
	default:
		return fmt.Errorf("unknown partitioner %q", ip.Partitioner)
	}
	if ip.Ranks < 0 || ip.Workers < 0 {
		return fmt.Errorf("negative rank or worker count")
	}
	mp := ip.Metric
	switch mp.Type {
	case "uniform":
		if len(mp.H) == 0 {
			return fmt.Errorf("uniform metric needs the sizes H")
		}
		for _, h := range mp.H {
			if !(h > 0) {
				return fmt.Errorf("uniform metric size %g is not positive", h)
			}
		}
	case "hessian":
		if mp.Field != "shock" && mp.Field != "ring" {
			return fmt.Errorf("unknown analytic field %q", mp.Field)
		}
		if !(mp.Eta > 0) || !(mp.HMin > 0) || mp.HMax < mp.HMin {
			return fmt.Errorf("hessian metric needs Eta > 0 and 0 < HMin <= HMax")
		}
	default:
		return fmt.Errorf("unknown metric type %q", mp.Type)
	}
	if mp.Target < 0 {
		return fmt.Errorf("negative element target %d", mp.Target)
	}
	return nil
}

// ToParameters overlays the file settings on the defaults for dim.
func (ip *InputParameters) ToParameters(dim int) (p adapt.Parameters) {
	p = adapt.DefaultParameters(dim)
	if ip.LUp > 0 {
		p.LUp = ip.LUp
		p.LLow = p.LUp / 2
	}
	if ip.LLow > 0 {
		p.LLow = ip.LLow
	}
	if ip.Alpha > 0 {
		p.Alpha = ip.Alpha
	}
	if ip.MaxIterations > 0 {
		p.MaxIterations = ip.MaxIterations
	}
	if ip.Swap != nil {
		p.Swap = *ip.Swap
	}
	if ip.QMin > 0 {
		p.QMin = ip.QMin
	}
	if ip.SmoothIterations != nil {
		p.SmoothIterations = *ip.SmoothIterations
	}
	if ip.HaloLevels > 0 {
		p.HaloLevels = ip.HaloLevels
	}
	p.AllowBoundaryCollapse = ip.AllowBoundaryCollapse
	p.RedistributeEvery = ip.RedistributeEvery
	return
}

func (ip *InputParameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", ip.Title)
	fmt.Printf("[%d]\t\t\t\t= Ranks\n", ip.Ranks)
	fmt.Printf("[%s]\t\t\t= Partitioner\n", ip.Partitioner)
	fmt.Printf("[%s]\t\t\t= Metric Type\n", ip.Metric.Type)
	if ip.Metric.Type == "uniform" {
		fmt.Printf("%v\t\t= Metric Sizes\n", ip.Metric.H)
	} else {
		fmt.Printf("[%s]\t\t\t= Metric Field\n", ip.Metric.Field)
		fmt.Printf("%8.5f\t\t= Eta\n", ip.Metric.Eta)
		fmt.Printf("%8.5f\t\t= HMin\n", ip.Metric.HMin)
		fmt.Printf("%8.5f\t\t= HMax\n", ip.Metric.HMax)
	}
	if ip.Metric.Target > 0 {
		fmt.Printf("[%d]\t\t\t\t= Target Elements\n", ip.Metric.Target)
	}
	fmt.Printf("[%d]\t\t\t\t= Max Iterations\n", ip.MaxIterations)
}
