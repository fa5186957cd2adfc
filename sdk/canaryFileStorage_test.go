package sdk

import (
	"github.com/ztrue/tracerr"
)

// canaryFileStorage counts the calls to a Database, and can make them fail through ToExecute.
type canaryFileStorage struct {
	storage   Database
	ToExecute map[string]func() error
	Counter   map[string]int
}

func newCanaryFileStorage(storage Database) *canaryFileStorage {
	return &canaryFileStorage{storage: storage, ToExecute: make(map[string]func() error), Counter: make(map[string]int)}
}

func executeFileStorageCanary(c *canaryFileStorage, funcName string) error {
	c.Counter[funcName] += 1
	if c.ToExecute[funcName] != nil {
		err := c.ToExecute[funcName]()
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	return nil
}

func (c *canaryFileStorage) initialize() error {
	err := executeFileStorageCanary(c, "Initialize")
	if err != nil {
		return err
	}
	return c.storage.initialize()
}

func (c *canaryFileStorage) close() error {
	err := executeFileStorageCanary(c, "Close")
	if err != nil {
		return err
	}
	return c.storage.close()
}

func (c *canaryFileStorage) nuke() error {
	err := executeFileStorageCanary(c, "Nuke")
	if err != nil {
		return err
	}
	return c.storage.nuke()
}

func (c *canaryFileStorage) readKeyStore(storage *keyStore) error {
	err := executeFileStorageCanary(c, "ReadKeyStore")
	if err != nil {
		return err
	}
	return c.storage.readKeyStore(storage)
}

func (c *canaryFileStorage) writeKeyStore(storage *keyStore) error {
	err := executeFileStorageCanary(c, "WriteKeyStore")
	if err != nil {
		return err
	}
	return c.storage.writeKeyStore(storage)
}

func (c *canaryFileStorage) readResourceKeys(storage *resourceKeysStorage) error {
	err := executeFileStorageCanary(c, "ReadResourceKeys")
	if err != nil {
		return err
	}
	return c.storage.readResourceKeys(storage)
}

func (c *canaryFileStorage) writeResourceKeys(storage *resourceKeysStorage) error {
	err := executeFileStorageCanary(c, "WriteResourceKeys")
	if err != nil {
		return err
	}
	return c.storage.writeResourceKeys(storage)
}

func (c *canaryFileStorage) readGroupKeys(storage *groupKeysStorage) error {
	err := executeFileStorageCanary(c, "ReadGroupKeys")
	if err != nil {
		return err
	}
	return c.storage.readGroupKeys(storage)
}

func (c *canaryFileStorage) writeGroupKeys(storage *groupKeysStorage) error {
	err := executeFileStorageCanary(c, "WriteGroupKeys")
	if err != nil {
		return err
	}
	return c.storage.writeGroupKeys(storage)
}

func (c *canaryFileStorage) readProvisionalKeys(storage *provisionalKeysStorage) error {
	err := executeFileStorageCanary(c, "ReadProvisionalKeys")
	if err != nil {
		return err
	}
	return c.storage.readProvisionalKeys(storage)
}

func (c *canaryFileStorage) writeProvisionalKeys(storage *provisionalKeysStorage) error {
	err := executeFileStorageCanary(c, "WriteProvisionalKeys")
	if err != nil {
		return err
	}
	return c.storage.writeProvisionalKeys(storage)
}
