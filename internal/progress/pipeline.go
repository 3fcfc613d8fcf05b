package progress

import (
	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// Options selects the filters of a pipeline.
type Options struct {
	Include       []string
	Exclude       []string
	SuppressKinds []string
	FilterScript  string // path to a Lua script; empty disables
}

// Pipeline is an engine.ProgressPipeline plus the resources it holds.
type Pipeline struct {
	engine.ProgressPipeline
	lua *LuaFilter
}

// Build assembles filters from opts followed by processors, in order.
func Build(opts Options, processors ...engine.ProgressProcessor) (*Pipeline, error) {
	p := &Pipeline{}

	if len(opts.Include) > 0 || len(opts.Exclude) > 0 {
		f, err := GlobFilter(opts.Include, opts.Exclude)
		if err != nil {
			return nil, err
		}
		p.Filters = append(p.Filters, f)
	}
	if len(opts.SuppressKinds) > 0 {
		p.Filters = append(p.Filters, engine.SuppressMetadataKinds(opts.SuppressKinds...))
	}
	if opts.FilterScript != "" {
		lf, err := LoadLuaFilter(opts.FilterScript)
		if err != nil {
			return nil, err
		}
		p.lua = lf
		p.Filters = append(p.Filters, lf.Filter())
	}
	p.Processors = append(p.Processors, processors...)
	return p, nil
}

// Close releases the Lua filter, if any.
func (p *Pipeline) Close() error {
	if p.lua == nil {
		return nil
	}
	return p.lua.Close()
}
