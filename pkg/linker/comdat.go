package linker

import "sync"

// ComdatGroup is interned by signature. Concurrent claimants contend under
// Mu; the owner with the lowest (priority, section index) pair wins.
type ComdatGroup struct {
	Mu         sync.Mutex
	Owner      *ObjectFile
	SectionIdx uint32
}

func GetComdatGroup(ctx *Context, signature string) *ComdatGroup {
	if group, ok := ctx.comdatMap.Load(signature); ok {
		return group.(*ComdatGroup)
	}
	group, _ := ctx.comdatMap.LoadOrStore(signature, &ComdatGroup{})
	return group.(*ComdatGroup)
}
