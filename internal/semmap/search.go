package semmap

import "sort"

// FindVADContaining returns the VAD covering addr in a VAD slice sorted
// ascending by Start, or false if none covers it.
func FindVADContaining(vads []VAD, addr uint64) (VAD, bool) {
	i := sort.Search(len(vads), func(i int) bool { return vads[i].Start > addr })
	if i == 0 {
		return VAD{}, false
	}
	v := vads[i-1]
	if addr >= v.Start && addr < v.End {
		return v, true
	}
	return VAD{}, false
}

// FindModuleContaining returns the module covering addr in a module
// slice sorted ascending by Base.
func FindModuleContaining(modules []Module, addr uint64) (Module, bool) {
	i := sort.Search(len(modules), func(i int) bool { return modules[i].Base > addr })
	if i == 0 {
		return Module{}, false
	}
	m := modules[i-1]
	if addr >= m.Base && addr < m.Base+m.Size {
		return m, true
	}
	return Module{}, false
}

// FindModuleByName returns the module with the given name in a module
// slice sorted ascending by Name.
func FindModuleByName(modules []Module, name string) (Module, bool) {
	i := sort.Search(len(modules), func(i int) bool { return modules[i].Name >= name })
	if i < len(modules) && modules[i].Name == name {
		return modules[i], true
	}
	return Module{}, false
}

// FindPTEByVA returns the PTE entry for va in an Entries slice sorted
// ascending by VA.
func FindPTEByVA(entries []PTEEntry, va uint64) (PTEEntry, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].VA >= va })
	if i < len(entries) && entries[i].VA == va {
		return entries[i], true
	}
	return PTEEntry{}, false
}
