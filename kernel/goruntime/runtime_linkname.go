//go:build biboy_kernel

package goruntime

import (
	_ "unsafe" // required for go:linkname
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

func init() {
	mallocInitFn = mallocInit
	algInitFn = algInit
	modulesInitFn = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn = itabsInit
}
