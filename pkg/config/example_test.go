package config_test

import (
	"fmt"
	"log"
	"time"

	"github.com/ajitpratap0/snowpool/pkg/config"
)

// ExampleDefaultPoolConfig demonstrates the default pool sizing.
func ExampleDefaultPoolConfig() {
	cfg := config.DefaultPoolConfig()

	fmt.Printf("Max Size: %d\n", cfg.MaxSize)
	fmt.Printf("Idle Expiration: %s\n", cfg.IdleExpiration)
	fmt.Printf("Borrow Wait: %s\n", cfg.BorrowWaitTimeout)

	// Output:
	// Max Size: 10
	// Idle Expiration: 1h0m0s
	// Borrow Wait: 30s
}

// ExamplePoolConfig_Validate shows how to validate a pool configuration
// before handing it to the manager.
func ExamplePoolConfig_Validate() {
	cfg := config.DefaultPoolConfig()
	cfg.MaxSize = 4
	cfg.BorrowWaitTimeout = 5 * time.Second

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	fmt.Println("Configuration is valid!")

	cfg.MinSize = 8
	fmt.Println(cfg.Validate())

	// Output:
	// Configuration is valid!
	// config: min_size cannot exceed max_size
}
