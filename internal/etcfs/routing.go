package etcfs

// Router decides which reference directory fd a request for path should
// use: local_ref_fd (the caller's own stratum's /etc) or global_ref_fd
// (the bedrock stratum's /etc), per spec.md §4.5.
type Router struct {
	Model        *Model
	LocalRefFd   int
	GlobalRefFd  int
	LocalStratum string // stratum name given at mount time
}

// Resolve returns the dirfd and a human-readable stratum label for path.
func (r *Router) Resolve(path string) (dirFd int, stratumLabel string) {
	if r.Model.IsGlobal(path) {
		return r.GlobalRefFd, "global"
	}
	return r.LocalRefFd, r.LocalStratum
}
