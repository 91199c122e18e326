package accelerator

import "os"

// Probe reports which accelerator hardware is visible to the process.
type Probe interface {
	GPUAvailable() bool
	IPUAvailable() bool
}

// StaticProbe answers from fixed values. Tests and hosts that already know
// their hardware use it.
type StaticProbe struct {
	GPU bool
	IPU bool
}

func (p StaticProbe) GPUAvailable() bool { return p.GPU }
func (p StaticProbe) IPUAvailable() bool { return p.IPU }

// Signature identifies a device family by files or environment variables
// that are present when the hardware is usable.
type Signature struct {
	Name  string
	Files []string
	Env   []string
}

// Known hardware signatures.
var (
	GPUSignatures = []Signature{
		{Name: "nvidia", Files: []string{"/dev/nvidia0", "/dev/nvidiactl"}},
		{Name: "cuda-env", Env: []string{"CUDA_VISIBLE_DEVICES"}},
		{Name: "rocm", Files: []string{"/dev/kfd"}},
	}
	IPUSignatures = []Signature{
		{Name: "ipu-device", Files: []string{"/dev/ipu0"}},
		{Name: "vipu", Env: []string{"IPUOF_VIPU_API_HOST"}},
		{Name: "ipuof-config", Env: []string{"IPUOF_CONFIG_PATH"}},
	}
)

// SystemProbe inspects the local filesystem and environment.
type SystemProbe struct{}

func (SystemProbe) GPUAvailable() bool { return matchAny(GPUSignatures) }
func (SystemProbe) IPUAvailable() bool { return matchAny(IPUSignatures) }

func matchAny(sigs []Signature) bool {
	for _, sig := range sigs {
		if sig.matches() {
			return true
		}
	}
	return false
}

func (s Signature) matches() bool {
	for _, f := range s.Files {
		if _, err := os.Stat(f); err == nil {
			return true
		}
	}
	for _, e := range s.Env {
		// CUDA_VISIBLE_DEVICES="" hides every device.
		if v, ok := os.LookupEnv(e); ok && v != "" && v != "-1" {
			return true
		}
	}
	return false
}
