package config

import "testing"

func TestAppEnvironmentDefaultsToDevelopment(t *testing.T) {
	t.Setenv(appEnvVar, "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Fatalf("AppEnvironment() = %q, want %q", env, EnvironmentDevelopment)
	}
}

func TestAppEnvironmentNormalizesAliases(t *testing.T) {
	cases := map[string]string{
		"prod":       EnvironmentProduction,
		"PROD":       EnvironmentProduction,
		"stag":       EnvironmentStaging,
		"production": EnvironmentProduction,
		"custom":     "custom",
	}
	for raw, want := range cases {
		t.Setenv(appEnvVar, raw)
		if env := AppEnvironment(); env != want {
			t.Fatalf("AppEnvironment() with APP_ENV=%q = %q, want %q", raw, env, want)
		}
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	envPaths := map[string]string{
		environmentProduction: "config/config.production.yml",
	}

	t.Setenv(appEnvVar, "production")
	if got := resolveEnvSpecificPath("", "config/config.yml", envPaths); got != "config/config.production.yml" {
		t.Fatalf("empty path should resolve to the production file, got %q", got)
	}
	if got := resolveEnvSpecificPath("config/config.yml", "config/config.yml", envPaths); got != "config/config.production.yml" {
		t.Fatalf("default path should resolve to the production file, got %q", got)
	}
	if got := resolveEnvSpecificPath("custom.yml", "config/config.yml", envPaths); got != "custom.yml" {
		t.Fatalf("explicit path must win, got %q", got)
	}

	t.Setenv(appEnvVar, "development")
	if got := resolveEnvSpecificPath("", "config/config.yml", envPaths); got != "config/config.yml" {
		t.Fatalf("development should keep the default path, got %q", got)
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike(EnvironmentProduction) || !IsProductionLike(EnvironmentStaging) {
		t.Fatalf("production and staging should be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Fatalf("development should not be production-like")
	}
}
