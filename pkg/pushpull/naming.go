package pushpull

import "strconv"

// OpName derives the stable logical name identifying an operation's
// buffer across workers. An explicit name is namespaced under prefix;
// anonymous operations get a per-handle name so they never collide.
func OpName(prefix, name string, h Handle) string {
	if name != "" {
		return prefix + "." + name
	}
	return prefix + ".noname." + strconv.FormatInt(int64(h), 10)
}
