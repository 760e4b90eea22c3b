package cache

type DummyCache struct{}

func (c *DummyCache) CacheReply(string, Entry) error  { return nil }
func (c *DummyCache) GetReply(string) (*Entry, error) { return nil, nil }
func (c *DummyCache) Persist(string) error            { return nil }
func (c *DummyCache) Load(string) error               { return nil }
