package session

// IDTable maps persisted integer identifiers to live entities and back.
// Identifiers are scoped to a single document: a fresh table is built for
// every save and every load, and tables are never persisted, so identifiers
// are not stable across save cycles.
type IDTable struct {
	nextID  int
	objects map[int]interface{}
	ids     map[interface{}]int
}

func NewIDTable() *IDTable {
	return &IDTable{
		nextID:  1,
		objects: make(map[int]interface{}),
		ids:     make(map[interface{}]int),
	}
}

// Emplace returns the object's identifier, assigning the next free one on
// first sight.
func (t *IDTable) Emplace(obj interface{}) int {
	if id, ok := t.ids[obj]; ok {
		return id
	}
	id := t.nextID
	t.nextID++
	t.objects[id] = obj
	t.ids[obj] = id
	return id
}

// Bind associates a document identifier with an entity during load.
func (t *IDTable) Bind(id int, obj interface{}) {
	t.objects[id] = obj
	t.ids[obj] = id
	if id >= t.nextID {
		t.nextID = id + 1
	}
}

func (t *IDTable) Lookup(id int) (interface{}, bool) {
	obj, ok := t.objects[id]
	return obj, ok
}

func (t *IDTable) ID(obj interface{}) (int, bool) {
	id, ok := t.ids[obj]
	return id, ok
}

func (t *IDTable) Len() int {
	return len(t.objects)
}
