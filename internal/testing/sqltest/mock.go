package sqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
)

// errMock is returned by any attempt to connect via the mock driver.
var errMock = errors.New("mock driver can not connect")

// MockConnector is mock of the driver.Connector interface.
type MockConnector struct {
	driver.Connector
}

// Driver returns the connector's driver.
func (*MockConnector) Driver() driver.Driver {
	return &MockDriver{}
}

// Connect always returns an error.
func (*MockConnector) Connect(context.Context) (driver.Conn, error) {
	return nil, errMock
}

// MockDriver is mock of the driver.Driver interface.
type MockDriver struct {
	driver.Driver
}

// Open always returns an error.
func (*MockDriver) Open(string) (driver.Conn, error) {
	return nil, errMock
}

// MockDB returns a database pool that uses the mock connector.
func MockDB() *sql.DB {
	return sql.OpenDB(&MockConnector{})
}

var once sync.Once

// MockDriverName returns the mock driver name for use with sql.Open().
func MockDriverName() string {
	n := "orchestra-mock"

	once.Do(func() {
		sql.Register(n, &MockDriver{})
	})

	return n
}
